package detect

import (
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"go.viam.com/test"
)

func TestNewObservations(t *testing.T) {
	obs, err := NewObservations(2, 3, []int{0, 4, 7})
	test.That(t, err, test.ShouldBeNil)
	nCams, nPoses, nCorners := obs.Dims()
	test.That(t, nCams, test.ShouldEqual, 2)
	test.That(t, nPoses, test.ShouldEqual, 3)
	test.That(t, nCorners, test.ShouldEqual, 3)
	test.That(t, obs.NumResiduals(), test.ShouldEqual, 2*3*3*2)
	test.That(t, obs.FrameIndices(), test.ShouldResemble, []int{0, 4, 7})

	_, err = NewObservations(0, 3, []int{0})
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewObservations(2, 0, []int{0})
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewObservations(2, 3, nil)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestObservedAndSet(t *testing.T) {
	obs, err := NewObservations(2, 2, []int{0, 1})
	test.That(t, err, test.ShouldBeNil)

	test.That(t, obs.Observed(0, 0, 0), test.ShouldBeFalse)
	test.That(t, obs.CameraObservesPose(0, 0), test.ShouldBeFalse)

	obs.Set(0, 0, 1, r2.Point{X: 10, Y: 20})
	test.That(t, obs.Observed(0, 0, 1), test.ShouldBeTrue)
	test.That(t, obs.At(0, 0, 1), test.ShouldResemble, r2.Point{X: 10, Y: 20})
	test.That(t, obs.CameraObservesPose(0, 0), test.ShouldBeTrue)
	test.That(t, obs.CameraObservesPose(1, 0), test.ShouldBeFalse)

	missing := obs.At(1, 1, 0)
	test.That(t, math.IsNaN(missing.X), test.ShouldBeTrue)
	test.That(t, math.IsNaN(missing.Y), test.ShouldBeTrue)
}

func TestFilled(t *testing.T) {
	obs, err := NewObservations(1, 2, []int{0, 1})
	test.That(t, err, test.ShouldBeNil)
	obs.Set(0, 1, 0, r2.Point{X: -3, Y: 5})

	values, observed := obs.Filled()
	test.That(t, values, test.ShouldHaveLength, obs.NumResiduals())
	for i, v := range values {
		test.That(t, math.IsNaN(v), test.ShouldBeFalse)
		if observed[i] {
			continue
		}
		test.That(t, v, test.ShouldEqual, 0.0)
	}
	i := obs.index(0, 1, 0)
	test.That(t, observed[i], test.ShouldBeTrue)
	test.That(t, values[i], test.ShouldEqual, -3.0)
	test.That(t, values[i+1], test.ShouldEqual, 5.0)

	// The sentinel pattern in the source array survives the fill.
	test.That(t, math.IsNaN(obs.At(0, 0, 0).X), test.ShouldBeTrue)

	// Repeated calls return the same backing copy.
	again, _ := obs.Filled()
	test.That(t, &again[0], test.ShouldEqual, &values[0])
}
