package malloc

import "github.com/berrym/lusush-sub005/api"
import "github.com/pkg/errors"

type accessmode int

const (
	accessfree accessmode = iota
	accessread
	accesswrite
	accesslookup
)

func (mode accessmode) String() string {
	switch mode {
	case accessfree:
		return "free"
	case accessread:
		return "read"
	case accesswrite:
		return "write"
	}
	return "lookup"
}

// validate handle against its record. A generation mismatch means the
// slot was freed and reused, that is use-after-free in every mode. A
// dead record with matching generation is a double-free when freeing,
// use-after-free on access.
func (recs *records) validate(h api.Handle, mode accessmode) (*record, error) {
	rec := recs.get(h.Slot())
	if rec == nil || h.Generation() == 0 {
		return nil, errors.Wrapf(ErrInvalidHandle, "%v %v", mode, h)
	}
	if rec.gen != h.Generation() {
		return rec, errors.Wrapf(ErrUseAfterFree, "%v %v", mode, h)
	} else if !rec.live {
		switch mode {
		case accessfree:
			return rec, errors.Wrapf(ErrDoubleFree, "%v", h)
		case accesslookup:
			return rec, nil
		}
		return rec, errors.Wrapf(ErrUseAfterFree, "%v %v", mode, h)
	}
	return rec, nil
}

// checkbounds for access [off, off+n) relative to allocation start.
func checkbounds(h api.Handle, rec *record, off, n int64) error {
	if off < 0 || n < 0 || off+n > rec.size {
		fmsg := "%v access [%v,%v) size %v"
		return errors.Wrapf(ErrBoundsViolation, fmsg, h, off, off+n, rec.size)
	}
	return nil
}

func checkperm(h api.Handle, rec *record, mode accessmode) error {
	want := api.PermRead
	if mode == accesswrite {
		want = api.PermWrite
	}
	if rec.perms&want == 0 {
		return errors.Wrapf(ErrPermission, "%v %v on %v", h, mode, rec.perms)
	}
	return nil
}

// violationevent map a safety error to the event raised for it.
func violationevent(err error) (api.Eventkind, api.Severity, bool) {
	switch {
	case errors.Is(err, ErrDoubleFree):
		return api.EventDoubleFree, api.SeverityWarning, true
	case errors.Is(err, ErrUseAfterFree):
		return api.EventUseAfterFree, api.SeverityWarning, true
	case errors.Is(err, ErrBoundsViolation):
		return api.EventBounds, api.SeverityWarning, true
	case errors.Is(err, ErrPermission):
		return api.EventPermission, api.SeverityWarning, true
	}
	return 0, api.SeverityInfo, false
}
