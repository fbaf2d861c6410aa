package core

import "testing"

func TestFixedRateRoundTrip(t *testing.T) {
	sig := NewIOSignature(1, 1, 4)
	sync := NewSyncBlock("sync", sig, sig)
	sync.SetHistory(4)
	dec := NewSyncDecimator("dec", sig, sig, 3)
	interp := NewSyncInterpolator("interp", sig, sig, 4)

	raters := map[string]FixedRater{"sync": &sync, "decimator": &dec, "interpolator": &interp}
	for name, fr := range raters {
		for n := 0; n <= 64; n++ {
			out := fr.FixedRateNInputToNOutput(n)
			if out == 0 {
				continue
			}
			if back := fr.FixedRateNOutputToNInput(out); back < n {
				t.Errorf("%s: ninput %d -> noutput %d -> ninput %d, lost input", name, n, out, back)
			}
		}
	}
}

func TestSyncBlock_Rates(t *testing.T) {
	sig := NewIOSignature(1, 1, 4)
	b := NewSyncBlock("sync", sig, sig)
	b.SetHistory(8)
	if !b.FixedRate() {
		t.Error("SyncBlock should be fixed rate")
	}
	if got := b.FixedRateNInputToNOutput(50); got != 43 {
		t.Errorf("NInputToNOutput(50) = %d, want 43", got)
	}
	if got := b.FixedRateNOutputToNInput(43); got != 50 {
		t.Errorf("NOutputToNInput(43) = %d, want 50", got)
	}
	if got := b.FixedRateNInputToNOutput(5); got != 0 {
		t.Errorf("NInputToNOutput(5) = %d, want 0", got)
	}
}

func TestSyncDecimator_Rates(t *testing.T) {
	sig := NewIOSignature(1, 1, 4)
	b := NewSyncDecimator("dec", sig, sig, 4)
	if b.RelativeRate() != 0.25 || b.Decimation() != 4 {
		t.Errorf("rate %v decimation %d", b.RelativeRate(), b.Decimation())
	}
	if got := b.FixedRateNInputToNOutput(400); got != 100 {
		t.Errorf("NInputToNOutput(400) = %d, want 100", got)
	}
	// A partial group rounds up.
	if got := b.FixedRateNInputToNOutput(401); got != 101 {
		t.Errorf("NInputToNOutput(401) = %d, want 101", got)
	}
	if got := b.FixedRateNOutputToNInput(100); got != 400 {
		t.Errorf("NOutputToNInput(100) = %d, want 400", got)
	}
	if d := NewSyncDecimator("dec", sig, sig, 0); d.Decimation() != 1 {
		t.Errorf("decimation 0 clamps to %d, want 1", d.Decimation())
	}
}

func TestSyncInterpolator_Rates(t *testing.T) {
	sig := NewIOSignature(1, 1, 4)
	b := NewSyncInterpolator("interp", sig, sig, 3)
	if b.OutputMultiple() != 3 || b.RelativeRate() != 3 {
		t.Errorf("output multiple %d rate %v, want 3/3", b.OutputMultiple(), b.RelativeRate())
	}
	if got := b.FixedRateNInputToNOutput(10); got != 30 {
		t.Errorf("NInputToNOutput(10) = %d, want 30", got)
	}
	if got := b.FixedRateNOutputToNInput(30); got != 10 {
		t.Errorf("NOutputToNInput(30) = %d, want 10", got)
	}
	req := make([]int, 1)
	b.Forecast(7, req)
	if req[0] != 3 {
		t.Errorf("Forecast(7) = %d, want 3", req[0])
	}
}
