//go:build !unix
// +build !unix

package malloc

import "github.com/berrym/lusush-sub005/api"
import "github.com/pkg/errors"

func newmmapparent() (api.Parent, error) {
	return nil, errors.Wrap(ErrInvalidSettings, "mmap parent not supported")
}
