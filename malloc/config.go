package malloc

import "time"

import "github.com/berrym/lusush-sub005/api"
import "github.com/berrym/lusush-sub005/lib"
import s "github.com/bnclabs/gosettings"
import "github.com/cloudfoundry/gosigar"
import "github.com/pkg/errors"

// Poisonbyte is written over freed ranges when "poison" is enabled.
const Poisonbyte = byte(0xDB)

// Maxalignment largest alignment a pool can be configured with.
const Maxalignment = int64(64 * 1024)

// Defaultsettings for a single pool.
//
// "tier" (string, default: "primary")
//		Hierarchy tier this pool is registered with, can be "primary",
//		"secondary", "large" or "emergency".
//
// "initialsize" (int64, default: 64KB)
//		Size of the region allocated from parent when pool is created.
//
// "minsize" (int64, default: <initialsize>)
//		Shrink never reduces the region below this size.
//
// "maxsize" (int64, default: min(64MB, freeRAM/4))
//		Region never grows beyond this size.
//
// "blocksize" (int64, default: 64)
//		Region sizes are always multiples of blocksize.
//
// "alignment" (int64, default: 8)
//		Allocation sizes and offsets are aligned to this.
//
// "maxalignment" (int64, default: 4096)
//		Largest alignment that can be requested per allocation.
//
// "maxalloc" (int64, default: <maxsize>)
//		Largest single allocation.
//
// "growthfactor" (float64, default: 2.0)
//		Region grows to size*growthfactor, or by the request size if
//		that is larger.
//
// "shrinkfactor" (float64, default: 0.5)
//		Region shrinks to size*shrinkfactor.
//
// "shrinkthreshold" (float64, default: 0.25)
//		Shrink is armed when live-bytes/size falls below this.
//
// "shrinkwindow" (int64, default: 1000)
//		Time, in milliseconds, utilization must stay below the
//		threshold before the region is shrunk.
//
// "gcthreshold" (float64, default: 0.9)
//		Utilization above which the pool signals memory pressure.
//
// "poison" (bool, default: false)
//		Overwrite freed ranges with Poisonbyte.
//
// "compact" (bool, default: false)
//		Relocate live allocations to the front of the region after a
//		reclamation sweep.
//
// "compactthreshold" (float64, default: 0.5)
//		Fragmentation ratio above which compaction is attempted.
//
// "retention" (int64, default: 1024)
//		Number of freed allocation records retained for diagnostics
//		before their slots are recycled.
//
// "reclaim" (bool, default: true)
//		Pool is supervised by the reclamation engine.
//
// "parent" (string, default: "heap")
//		Parent allocator backing the region, "heap" or "mmap".
func Defaultsettings() s.Settings {
	maxsize := int64(64 * 1024 * 1024)
	if _, _, free := getsysmem(); free > 0 && int64(free/4) < maxsize {
		maxsize = lib.Maxint64(int64(free/4), 1024*1024)
	}
	return s.Settings{
		"tier":             "primary",
		"initialsize":      int64(64 * 1024),
		"minsize":          int64(0), // 0 means initialsize
		"maxsize":          maxsize,
		"blocksize":        int64(64),
		"alignment":        int64(8),
		"maxalignment":     int64(4096),
		"maxalloc":         int64(0), // 0 means maxsize
		"growthfactor":     float64(2.0),
		"shrinkfactor":     float64(0.5),
		"shrinkthreshold":  float64(0.25),
		"shrinkwindow":     int64(1000),
		"gcthreshold":      float64(0.9),
		"poison":           false,
		"compact":          false,
		"compactthreshold": float64(0.5),
		"retention":        int64(1024),
		"reclaim":          true,
		"parent":           "heap",
	}
}

// Poolsettings return tuned defaults for the well known pool types.
// Unknown types get Defaultsettings.
func Poolsettings(typ string) s.Settings {
	setts := Defaultsettings()
	switch typ {
	case api.Pooltypeevent:
		setts = setts.Mixin(s.Settings{
			"tier":        "primary",
			"initialsize": int64(16 * 1024),
			"maxalloc":    int64(256),
		})
	case api.Pooltypestring:
		setts = setts.Mixin(s.Settings{
			"tier":        "primary",
			"initialsize": int64(32 * 1024),
			"maxalloc":    int64(4096),
		})
	case api.Pooltypebuffer:
		setts = setts.Mixin(s.Settings{
			"tier":        "secondary",
			"initialsize": int64(64 * 1024),
			"compact":     true,
		})
	case api.Pooltypetemp:
		setts = setts.Mixin(s.Settings{
			"tier":        "large",
			"initialsize": int64(128 * 1024),
			"poison":      true,
		})
	case api.Pooltypeemergency:
		setts = setts.Mixin(s.Settings{
			"tier":         "emergency",
			"initialsize":  int64(256 * 1024),
			"maxsize":      int64(256 * 1024),
			"growthfactor": float64(1.0),
			"reclaim":      false,
		})
	}
	return setts
}

// Managersettings for pool manager.
//
// "hierarchy.primary" (int64, default: 256)
//		Requests upto this size start with primary tier.
//
// "hierarchy.secondary" (int64, default: 4096)
//		Requests upto this size start with secondary tier, larger
//		requests start with large tier.
//
// "reclaim.interval" (int64, default: 0)
//		Period, in milliseconds, for scheduled reclamation cycles.
//		Zero disables periodic cycles.
//
// "reclaim.timeout" (int64, default: 100)
//		Maximum duration, in milliseconds, of a reclamation cycle.
//		Zero disables the limit.
//
// "reclaim.history" (int64, default: 16)
//		Number of reclamation reports retained.
//
// "shrink.interval" (int64, default: 0)
//		Period, in milliseconds, for calling MaybeShrink on every pool.
//		Zero disables periodic shrinking.
//
// "autocreate" (bool, default: true)
//		Create well known pool types on first use.
func Managersettings() s.Settings {
	return s.Settings{
		"hierarchy.primary":   int64(256),
		"hierarchy.secondary": int64(4096),
		"reclaim.interval":    int64(0),
		"reclaim.timeout":     int64(100),
		"reclaim.history":     int64(16),
		"shrink.interval":     int64(0),
		"autocreate":          true,
	}
}

type poolconfig struct {
	tier             api.Tier
	initialsize      int64
	minsize          int64
	maxsize          int64
	blocksize        int64
	alignment        int64
	maxalignment     int64
	maxalloc         int64
	growthfactor     float64
	shrinkfactor     float64
	shrinkthreshold  float64
	shrinkwindow     time.Duration
	gcthreshold      float64
	poison           bool
	compact          bool
	compactthreshold float64
	retention        int64
	reclaim          bool
	parent           string
}

func readpoolsettings(setts s.Settings) (config poolconfig, err error) {
	tier, err := api.Parsetier(setts.String("tier"))
	if err != nil {
		return config, errors.Wrap(ErrInvalidSettings, err.Error())
	}
	config = poolconfig{
		tier:             tier,
		initialsize:      setts.Int64("initialsize"),
		minsize:          setts.Int64("minsize"),
		maxsize:          setts.Int64("maxsize"),
		blocksize:        setts.Int64("blocksize"),
		alignment:        setts.Int64("alignment"),
		maxalignment:     setts.Int64("maxalignment"),
		maxalloc:         setts.Int64("maxalloc"),
		growthfactor:     setts.Float64("growthfactor"),
		shrinkfactor:     setts.Float64("shrinkfactor"),
		shrinkthreshold:  setts.Float64("shrinkthreshold"),
		shrinkwindow:     time.Duration(setts.Int64("shrinkwindow")) * time.Millisecond,
		gcthreshold:      setts.Float64("gcthreshold"),
		poison:           setts.Bool("poison"),
		compact:          setts.Bool("compact"),
		compactthreshold: setts.Float64("compactthreshold"),
		retention:        setts.Int64("retention"),
		reclaim:          setts.Bool("reclaim"),
		parent:           setts.String("parent"),
	}
	if config.minsize <= 0 {
		config.minsize = config.initialsize
	}
	if config.maxalloc <= 0 {
		config.maxalloc = config.maxsize
	}
	return config, config.validate()
}

func (config *poolconfig) validate() error {
	fail := func(fmsg string, args ...interface{}) error {
		return errors.Wrapf(ErrInvalidSettings, fmsg, args...)
	}
	switch {
	case !lib.Ispowerof2(config.alignment) || config.alignment > Maxalignment:
		return fail("alignment %v", config.alignment)
	case !lib.Ispowerof2(config.maxalignment):
		return fail("maxalignment %v", config.maxalignment)
	case config.maxalignment < config.alignment:
		return fail("maxalignment %v < alignment %v", config.maxalignment, config.alignment)
	case config.blocksize <= 0 || config.blocksize%config.alignment != 0:
		return fail("blocksize %v not multiple of %v", config.blocksize, config.alignment)
	case config.initialsize <= 0 || config.initialsize > config.maxsize:
		return fail("initialsize %v maxsize %v", config.initialsize, config.maxsize)
	case config.minsize > config.initialsize:
		return fail("minsize %v > initialsize %v", config.minsize, config.initialsize)
	case config.growthfactor < 1.0:
		return fail("growthfactor %v", config.growthfactor)
	case config.shrinkfactor <= 0 || config.shrinkfactor >= 1.0:
		return fail("shrinkfactor %v", config.shrinkfactor)
	}
	return nil
}

type managerconfig struct {
	primary    int64
	secondary  int64
	interval   time.Duration
	timeout    time.Duration
	history    int64
	shrinktick time.Duration
	autocreate bool
}

func readmanagersettings(setts s.Settings) (config managerconfig, err error) {
	config = managerconfig{
		primary:    setts.Int64("hierarchy.primary"),
		secondary:  setts.Int64("hierarchy.secondary"),
		interval:   time.Duration(setts.Int64("reclaim.interval")) * time.Millisecond,
		timeout:    time.Duration(setts.Int64("reclaim.timeout")) * time.Millisecond,
		history:    setts.Int64("reclaim.history"),
		shrinktick: time.Duration(setts.Int64("shrink.interval")) * time.Millisecond,
		autocreate: setts.Bool("autocreate"),
	}
	if config.primary <= 0 || config.secondary < config.primary {
		fmsg := "hierarchy thresholds primary:%v secondary:%v"
		return config, errors.Wrapf(ErrInvalidSettings, fmsg, config.primary, config.secondary)
	} else if config.history <= 0 {
		config.history = 1
	}
	return config, nil
}

func getsysmem() (total, used, free uint64) {
	mem := sigar.Mem{}
	if err := mem.Get(); err != nil {
		return 0, 0, 0
	}
	return mem.Total, mem.Used, mem.Free
}
