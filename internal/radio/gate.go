package radio

// Gate is the transmission gate. It decides per captured frame whether the
// frame is forwarded to the session and tracks the transmitting flag.
//
// A Gate is owned by the engine loop and is not safe for concurrent use.
type Gate struct {
	mode         Mode
	pttHeld      bool
	transmitting bool
}

// NewGate returns a closed gate in the given mode.
func NewGate(mode Mode) *Gate {
	return &Gate{mode: mode}
}

// Open reports whether the current mode and PTT state allow transmission.
// It is evaluated on every frame, never cached.
func (g *Gate) Open() bool {
	return g.mode == ModeOpenMic || g.pttHeld
}

// Evaluate is called once per captured frame. live reports whether a
// connected session exists. It returns true when the frame must be sent and
// sets the transmitting flag accordingly.
func (g *Gate) Evaluate(live bool) bool {
	g.transmitting = live && g.Open()
	return g.transmitting
}

// PressPTT records the PTT press. In push-to-talk mode with a live session
// the transmitting flag is raised immediately, ahead of the next frame.
func (g *Gate) PressPTT(live bool) {
	g.pttHeld = true
	if g.mode == ModePushToTalk && live {
		g.transmitting = true
	}
}

// ReleasePTT records the PTT release. In push-to-talk mode the transmitting
// flag is always cleared, whether or not a session exists.
func (g *Gate) ReleasePTT() {
	g.pttHeld = false
	if g.mode == ModePushToTalk {
		g.transmitting = false
	}
}

// SetMode switches the transmission mode. A mode change that closes the gate
// clears the transmitting flag at once.
func (g *Gate) SetMode(m Mode) {
	g.mode = m
	if !g.Open() {
		g.transmitting = false
	}
}

// Mode returns the current mode.
func (g *Gate) Mode() Mode { return g.mode }

// PTTHeld reports whether the PTT control is held.
func (g *Gate) PTTHeld() bool { return g.pttHeld }

// Transmitting reports the transmitting flag.
func (g *Gate) Transmitting() bool { return g.transmitting }

// Reset clears the transmitting flag. The mode and PTT state are kept.
func (g *Gate) Reset() { g.transmitting = false }
