package runtime

import (
	"fmt"
	"math"

	"github.com/petal-labs/petalstream/core"
)

// Availability is what the executor observed about a block's ports right
// before negotiating a call.
type Availability struct {
	// OutputSpace is the free space in items of each output buffer.
	OutputSpace []int
	// InputItems is the number of readable items on each input, the
	// history - 1 items of left context included.
	InputItems []int
	// InputDone reports whether the producer of each input has finished.
	// It must be sampled before InputItems.
	InputDone []bool
	// MaxNOutputItems is the executor-wide cap (0: unlimited).
	MaxNOutputItems int
}

// Window is the outcome of a negotiation.
type Window struct {
	// State is StateReady when the call is feasible. Otherwise it names the
	// insufficient side, or StateDone when an input can never satisfy even
	// the smallest call.
	State BlockState
	// NOutputItems is the negotiated output window, a positive multiple of
	// the block's output multiple when State is StateReady.
	NOutputItems int
	// NInputRequired holds the required items per input for NOutputItems.
	NInputRequired []int
}

// Negotiate converts the feasible output space of a block into a work
// window honoring output multiple, history, relative rate and item
// availability on every input. Fixed-rate blocks are sized exactly with
// their inverse rate function; others through Forecast, halving the
// request until the estimate fits and then searching back up.
func Negotiate(b core.Block, avail Availability) (w Window, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &core.ContractViolation{
				BlockID: b.ID(),
				Block:   b.Name(),
				Op:      "forecast",
				Detail:  fmt.Sprintf("panic: %v", r),
			}
		}
	}()

	nin := len(avail.InputItems)
	nout := len(avail.OutputSpace)
	multiple := max(b.OutputMultiple(), 1)
	w.NInputRequired = make([]int, nin)

	// Step 1: the output side bounds the window.
	maxOut, ok := outputBound(b, avail, multiple)
	if !ok {
		w.State = StateBlockedOnOutput
		return w, nil
	}

	if nin == 0 {
		w.State = StateReady
		w.NOutputItems = maxOut
		return w, nil
	}

	minAvail := math.MaxInt
	for _, n := range avail.InputItems {
		minAvail = min(minAvail, n)
	}
	if nout == 0 {
		// Sinks have no output space to bound them; start from what the
		// inputs could support.
		est := int(float64(max(minAvail-b.History()+1, 0)) * b.RelativeRate())
		maxOut = min(maxOut, roundUp(max(est, 1), multiple))
	}

	// Steps 2 and 3: find the largest window whose requirement fits.
	var n int
	if fr, isFixed := b.(core.FixedRater); b.FixedRate() && isFixed {
		n = fixedRateWindow(fr, avail.InputItems, minAvail, maxOut, multiple)
		required := fr.FixedRateNOutputToNInput(max(n, multiple))
		for i := range w.NInputRequired {
			w.NInputRequired[i] = required
		}
	} else {
		n = forecastWindow(b, avail.InputItems, maxOut, multiple, w.NInputRequired)
	}

	// Step 4: nothing fits.
	if n <= 0 {
		w.State = StateBlockedOnInput
		for i := range avail.InputItems {
			if avail.InputDone[i] && w.NInputRequired[i] > avail.InputItems[i] {
				w.State = StateDone
				break
			}
		}
		return w, nil
	}

	w.State = StateReady
	w.NOutputItems = n
	return w, nil
}

// outputBound returns the largest output window permitted by output space
// and the configured caps, rounded down to the output multiple.
func outputBound(b core.Block, avail Availability, multiple int) (int, bool) {
	limit := math.MaxInt / 2
	for _, space := range avail.OutputSpace {
		limit = min(limit, space)
	}
	limit = roundDown(limit, multiple)
	if len(avail.OutputSpace) > 0 && limit < multiple {
		return 0, false
	}
	caps := []int{avail.MaxNOutputItems}
	if lim, ok := b.(core.OutputLimiter); ok {
		caps = append(caps, lim.MaxNOutputItems())
	}
	for _, c := range caps {
		if c <= 0 {
			continue
		}
		// A cap smaller than one output multiple still permits one multiple.
		limit = min(limit, max(roundDown(c, multiple), multiple))
	}
	return limit, true
}

func fixedRateWindow(fr core.FixedRater, inputs []int, minAvail, maxOut, multiple int) int {
	n := roundDown(min(fr.FixedRateNInputToNOutput(minAvail), maxOut), multiple)
	for n > 0 && !fits(inputs, fr.FixedRateNOutputToNInput(n)) {
		n -= multiple
	}
	return n
}

func fits(inputs []int, required int) bool {
	for _, have := range inputs {
		if required > have {
			return false
		}
	}
	return true
}

func forecastWindow(b core.Block, inputs []int, maxOut, multiple int, req []int) int {
	satisfied := func(n int) bool {
		b.Forecast(n, req)
		for i, have := range inputs {
			if req[i] > have {
				return false
			}
		}
		return true
	}

	n := maxOut
	failed := 0 // smallest window known not to fit
	for !satisfied(n) {
		failed = n
		if n <= multiple {
			return 0
		}
		n = max(roundDown(n/2, multiple), multiple)
	}
	if failed == 0 {
		return n
	}
	// n fits, failed does not: binary search in units of the output multiple.
	lo, hi := n/multiple, failed/multiple
	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		if satisfied(mid * multiple) {
			lo = mid
		} else {
			hi = mid
		}
	}
	n = lo * multiple
	// Leave req describing the chosen window.
	satisfied(n)
	return n
}

func roundDown(n, multiple int) int {
	return n - n%multiple
}

func roundUp(n, multiple int) int {
	if rem := n % multiple; rem != 0 {
		return n + multiple - rem
	}
	return n
}
