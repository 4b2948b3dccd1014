package page

import (
	"crypto/rand"

	"github.com/pkg/errors"
)

// TestingNewRandomData returns page content filled with random bytes.
// useful for checking that contents survive a disk round trip.
func TestingNewRandomData() (PagePtr, error) {
	var d [PageSize]byte
	if _, err := rand.Read(d[:]); err != nil {
		return nil, errors.Wrap(err, "rand.Read failed")
	}
	return &d, nil
}
