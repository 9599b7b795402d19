package lb

import "context"

// RotateLB sends every local element to (self+1) mod N, unconditionally.
// It performs no optimization and is meant for protocol test coverage,
// not for balancing.
type RotateLB struct{}

func (RotateLB) Name() string { return "RotateLB" }

func (RotateLB) InputParams(map[string]string) error { return nil }

// rotateObjHan would let a user override which elements rotate and where;
// the distillation this runtime was built from never pinned down that
// hook's semantics, so it stays an explicit no-op rather than a guess.
func rotateObjHan() {}

func (RotateLB) RunLB(_ context.Context, snap Snapshot, deps Deps) ([]Transfer, error) {
	rotateObjHan()
	dst := deps.Smap.Next(snap.Self)
	out := make([]Transfer, 0, len(snap.Local))
	for _, ol := range snap.Local {
		out = append(out, Transfer{Obj: ol.Obj, Dst: dst})
	}
	return out, nil
}
