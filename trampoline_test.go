package patchkit

import "testing"

const (
	remoteA = testBase + 0x4000_0000
	remoteB = testBase + 0x4100_0000
	remoteC = testBase + 0x4200_0000
)

func TestTrampoline_Emission(t *testing.T) {
	c := newTestCache(t)
	b := newTestBuffer(t, c)
	a := NewAssembler(b)

	h1 := a.Call64(remoteA, FormPCRelative)
	h2 := a.Jump64(remoteA, FormPCRelative)
	if h1.Words != Patchable64Words || h2.Words != Patchable64Words {
		t.Fatalf("host size changed")
	}
	t1, t2 := h1.Target(), h2.Target()
	if t1.Addr != remoteA || t1.Form != FormPCRelative || t1.Stub == 0 {
		t.Fatalf("host 1: %+v", t1)
	}
	if t2.Stub != t1.Stub {
		t.Fatalf("hosts use stubs %#x and %#x for one target", t1.Stub, t2.Stub)
	}
	if !b.Stubs.Contains(t1.Stub) || !b.Consts.Contains(t1.Slot) {
		t.Fatalf("stub %#x slot %#x outside their sections", t1.Stub, t1.Slot)
	}
	if st := c.Stats(); st.Trampolines != 1 {
		t.Fatalf("trampolines = %d", st.Trampolines)
	}

	stub := c.DecodeTarget(t1.Stub, KindTrampoline)
	if stub.Addr != remoteA || stub.Slot != t1.Slot {
		t.Fatalf("stub decodes to %+v", stub)
	}
	if s, ok := c.Sites().Lookup(t1.Stub); !ok || s.Words != TrampolineStubWords || s.Size() != TrampolineStubSize {
		t.Fatalf("stub site not registered")
	}
	if ts := a.TrampolineStub(remoteA); ts.Addr != t1.Stub {
		t.Fatalf("TrampolineStub returned %#x", ts.Addr)
	}
}

func TestTrampoline_RetargetShared(t *testing.T) {
	c := newTestCache(t)
	b := newTestBuffer(t, c)
	a := NewAssembler(b)
	h1 := a.Call64(remoteA, FormPCRelative)
	h2 := a.Call64(remoteA, FormPCRelative)
	shared := h1.Target().Stub
	b.Publish()

	// The stub is shared, so h1 moves to a stub of its own.
	h1.Retarget(remoteB, SingleWord)
	t1, t2 := h1.Target(), h2.Target()
	if t1.Addr != remoteB || t1.Stub == shared || t1.Stub == 0 {
		t.Fatalf("h1: %+v", t1)
	}
	if t2.Addr != remoteA || t2.Stub != shared {
		t.Fatalf("h2 followed h1: %+v", t2)
	}

	// h1 owns its stub now: only the slot changes.
	code := c.Segment().Words(h1.Addr, Patchable64Words)
	stubCode := c.Segment().Words(t1.Stub, TrampolineStubWords)
	h1.Retarget(remoteC, SingleWord)
	t1b := h1.Target()
	if t1b.Addr != remoteC || t1b.Stub != t1.Stub {
		t.Fatalf("h1 after slot patch: %+v", t1b)
	}
	checkWords(t, "host", c.Segment().Words(h1.Addr, Patchable64Words), code)
	checkWords(t, "stub", c.Segment().Words(t1.Stub, TrampolineStubWords), stubCode)

	st := c.Stats()
	if st.Trampolines != 2 || st.SlotPatches != 1 || st.Redirects != 1 {
		t.Fatalf("stats: %s", st)
	}

	// A new host for remoteC reuses the moved stub.
	h3 := a.Jump64(remoteC, FormPCRelative)
	if got := h3.Target().Stub; got != t1.Stub {
		t.Fatalf("h3 stub %#x, want %#x", got, t1.Stub)
	}
}

func TestTrampoline_PatchDirect(t *testing.T) {
	c := newTestCache(t)
	b := newTestBuffer(t, c)
	a := NewAssembler(b)
	h := a.Jump64(testBase+0x800, FormPCRelative)
	if h.Target().Stub != 0 {
		t.Fatalf("reachable target routed through a stub")
	}
	b.Publish()

	// Out of reach: the host is redirected to a new stub with one word.
	h.Retarget(remoteA, SingleWord)
	got := h.Target()
	if got.Addr != remoteA || got.Stub == 0 {
		t.Fatalf("after redirect: %+v", got)
	}

	// Patching the stub itself moves every host behind it.
	c.Apply(CodePatch{Addr: got.Stub, Kind: KindTrampoline, Target: remoteB, Condition: SingleWord})
	if got := h.Target(); got.Addr != remoteB {
		t.Fatalf("host after stub patch: %+v", got)
	}
	if ts := a.TrampolineStub(remoteB); ts.Addr != got.Stub {
		t.Fatalf("dedup table not updated after stub patch")
	}
}

func TestTrampoline_StubSectionFull(t *testing.T) {
	c := newTestCache(t)
	b, err := c.NewBuffer(256, TrampolineStubSize, 64)
	if err != nil {
		t.Fatal(err)
	}
	a := NewAssembler(b)
	a.Call64(remoteA, FormPCRelative)
	mustPanic(t, ErrBufferFull, func() { a.Call64(remoteB, FormPCRelative) })
}

func TestTrampoline_RetargetStubSectionFull(t *testing.T) {
	c := newTestCache(t)
	b, err := c.NewBuffer(256, TrampolineStubSize, 64)
	if err != nil {
		t.Fatal(err)
	}
	a := NewAssembler(b)
	h1 := a.Call64(remoteA, FormPCRelative)
	h2 := a.Call64(remoteA, FormPCRelative)
	shared := h1.Target().Stub
	b.Publish()
	consts := b.Consts.Pos()

	// h1 shares its stub and needs a new one, but the section is full.
	mustPanic(t, ErrBufferFull, func() { h1.Retarget(remoteB, SingleWord) })
	if n := b.stubHosts[shared]; n != 2 {
		t.Fatalf("shared stub counts %d hosts after a failed retarget, want 2", n)
	}
	if got := b.Consts.Pos(); got != consts {
		t.Fatalf("failed retarget claimed constants up to %#x", got)
	}
	for _, h := range []*PatchSite{h1, h2} {
		if got := h.Target(); got.Addr != remoteA || got.Stub != shared {
			t.Fatalf("%s: %+v", h, got)
		}
	}

	// The stub lock was released: later stub operations proceed.
	mustPanic(t, ErrBufferFull, func() { h1.Retarget(remoteB, SingleWord) })
	mustPanic(t, ErrBufferFull, func() { a.TrampolineStub(remoteB) })
	if ts := a.TrampolineStub(remoteA); ts.Addr != shared {
		t.Fatalf("TrampolineStub(remoteA) = %#x", ts.Addr)
	}
	c.Apply(CodePatch{Addr: shared, Kind: KindTrampoline, Target: remoteB, Condition: SingleWord})
	for _, h := range []*PatchSite{h1, h2} {
		if got := h.Target(); got.Addr != remoteB {
			t.Fatalf("%s after stub patch: %+v", h, got)
		}
	}
}
