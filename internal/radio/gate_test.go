package radio_test

import (
	"testing"

	"github.com/MrWong99/voxwave/internal/radio"
)

func TestGate_Predicate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		mode    radio.Mode
		pttHeld bool
		live    bool
		want    bool
	}{
		{radio.ModePushToTalk, false, true, false},
		{radio.ModePushToTalk, true, true, true},
		{radio.ModeOpenMic, false, true, true},
		{radio.ModeOpenMic, true, true, true},
		{radio.ModePushToTalk, true, false, false},
		{radio.ModeOpenMic, false, false, false},
	}
	for _, tc := range tests {
		g := radio.NewGate(tc.mode)
		if tc.pttHeld {
			g.PressPTT(tc.live)
		}
		wantOpen := tc.mode == radio.ModeOpenMic || tc.pttHeld
		if got := g.Open(); got != wantOpen {
			t.Errorf("Open(%v, ptt=%v) = %v, want %v", tc.mode, tc.pttHeld, got, wantOpen)
		}
		if got := g.Evaluate(tc.live); got != tc.want {
			t.Errorf("Evaluate(%v, ptt=%v, live=%v) = %v, want %v", tc.mode, tc.pttHeld, tc.live, got, tc.want)
		}
		if g.Transmitting() != tc.want {
			t.Errorf("Transmitting(%v, ptt=%v, live=%v) = %v, want %v", tc.mode, tc.pttHeld, tc.live, g.Transmitting(), tc.want)
		}
	}
}

func TestGate_PushToTalkScenario(t *testing.T) {
	t.Parallel()
	g := radio.NewGate(radio.ModePushToTalk)

	if g.Evaluate(true) {
		t.Fatal("frame sent with PTT released")
	}
	if g.Transmitting() {
		t.Fatal("transmitting with PTT released")
	}

	g.PressPTT(true)
	if !g.Transmitting() {
		t.Error("PressPTT did not raise the transmitting flag")
	}
	if !g.Evaluate(true) {
		t.Error("frame not sent with PTT held")
	}

	g.ReleasePTT()
	if g.Transmitting() {
		t.Error("transmitting after release")
	}
	if g.Evaluate(true) {
		t.Error("frame sent after release")
	}
}

func TestGate_ReleaseWhileDisconnectedClearsFlag(t *testing.T) {
	t.Parallel()
	g := radio.NewGate(radio.ModePushToTalk)
	g.PressPTT(false)
	if g.Transmitting() {
		t.Error("PressPTT without a session raised the transmitting flag")
	}
	g.ReleasePTT()
	if g.Transmitting() || g.PTTHeld() {
		t.Error("gate not fully released")
	}
}

func TestGate_ModeToggleTakesEffectNextFrame(t *testing.T) {
	t.Parallel()
	g := radio.NewGate(radio.ModePushToTalk)
	if g.Evaluate(true) {
		t.Fatal("PTT gate open without press")
	}
	g.SetMode(radio.ModeOpenMic)
	if !g.Evaluate(true) {
		t.Error("open mic gate closed on the next frame")
	}
	g.SetMode(radio.ModePushToTalk)
	if g.Transmitting() {
		t.Error("switching to PTT with the control released kept transmitting")
	}
	if g.Evaluate(true) {
		t.Error("PTT gate open after switching back")
	}
}

func TestGate_OpenMicReleaseKeepsTransmitting(t *testing.T) {
	t.Parallel()
	g := radio.NewGate(radio.ModeOpenMic)
	g.Evaluate(true)
	g.PressPTT(true)
	g.ReleasePTT()
	if !g.Transmitting() {
		t.Error("PTT release cleared the flag in open mic mode")
	}
	g.Reset()
	if g.Transmitting() {
		t.Error("Reset kept the transmitting flag")
	}
	if g.Mode() != radio.ModeOpenMic {
		t.Errorf("Mode after Reset = %v, want open_mic", g.Mode())
	}
}
