package ipmicore

import "testing"

func newTestSession() *Session {
	return &Session{taboo: make(map[tabooKey]int)}
}

func TestNextSeqLUNAdvancesByFour(t *testing.T) {
	s := newTestSession()
	first := s.nextSeqLUNLocked(NetFnAppReq, 0x01)
	second := s.nextSeqLUNLocked(NetFnAppReq, 0x01)
	if second != first+4 {
		t.Fatalf("second seqlun = %#x, want %#x (first+4)", second, first+4)
	}
}

func TestNextSeqLUNWrapsAtByteBoundary(t *testing.T) {
	s := newTestSession()
	s.seqLUN = 0xfc
	got := s.nextSeqLUNLocked(NetFnAppReq, 0x01)
	if got != 0xfc {
		t.Fatalf("seqlun = %#x, want %#x", got, 0xfc)
	}
	if s.seqLUN != 0x00 {
		t.Fatalf("seqlun after wrap = %#x, want 0x00", s.seqLUN)
	}
}

func TestNextSeqLUNSkipsTabooedValues(t *testing.T) {
	s := newTestSession()
	key := tabooKey{netFn: NetFnAppReq, cmd: 0x01, seqLUN: 0}
	s.taboo[key] = 1

	got := s.nextSeqLUNLocked(NetFnAppReq, 0x01)
	if got == 0 {
		t.Fatal("expected the tabooed sequence 0 to be skipped")
	}
	if got != 4 {
		t.Fatalf("seqlun = %#x, want %#x (first non-tabooed value)", got, 4)
	}
}

func TestNextSeqLUNStopsAfterSevenTries(t *testing.T) {
	s := newTestSession()
	for i := 0; i < 10; i++ {
		key := tabooKey{netFn: NetFnAppReq, cmd: 0x01, seqLUN: uint8(i * 4)}
		s.taboo[key] = 1
	}
	// Every candidate the loop would try within its 7-iteration budget is
	// tabooed, so it must give up and hand back whatever it last reached
	// rather than spinning forever.
	got := s.nextSeqLUNLocked(NetFnAppReq, 0x01)
	if got != 7*4 {
		t.Fatalf("seqlun after exhausting retries = %#x, want %#x", got, 7*4)
	}
}

func TestNextSeqLUNIsolatedPerNetFnAndCommand(t *testing.T) {
	s := newTestSession()
	s.taboo[tabooKey{netFn: NetFnAppReq, cmd: 0x01, seqLUN: 0}] = 1

	got := s.nextSeqLUNLocked(NetFnChassisReq, 0x01)
	if got != 0 {
		t.Fatalf("a taboo entry for a different netfn should not affect this one, got %#x", got)
	}
}

func TestLoginStateStrings(t *testing.T) {
	cases := map[loginState]string{
		loginInit:            "INIT",
		loginOpenSession:     "OPENSESSION",
		loginExpectingRAKP2:  "EXPECTINGRAKP2",
		loginExpectingRAKP4:  "EXPECTINGRAKP4",
		loginV15Activating:   "V15ACTIVATING",
		loginEstablished:     "ESTABLISHED",
		loginFailed:          "FAILED",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("loginState(%d).String() = %q, want %q", int(state), got, want)
		}
	}
}

func TestGetSessionChallengeCommandMarshal(t *testing.T) {
	cmd := &GetSessionChallengeCommand{AuthType: AuthTypeMD5, Userid: "admin"}
	buf, err := cmd.Marshal()
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	if len(buf) != 17 {
		t.Fatalf("length = %d, want 17", len(buf))
	}
	if buf[0] != byte(AuthTypeMD5) {
		t.Fatalf("authtype byte = %#x, want %#x", buf[0], AuthTypeMD5)
	}
	if string(buf[1:6]) != "admin" {
		t.Fatalf("username not copied at offset 1: %q", buf[1:6])
	}
	for i := 6; i < 17; i++ {
		if buf[i] != 0 {
			t.Fatalf("username field not zero-padded at byte %d: %#x", i, buf[i])
		}
	}
}

func TestGetSessionChallengeCommandUnmarshal(t *testing.T) {
	buf := make([]byte, 20)
	buf[0], buf[1], buf[2], buf[3] = 0x01, 0x02, 0x03, 0x04
	for i := 4; i < 20; i++ {
		buf[i] = byte(i)
	}
	var cmd GetSessionChallengeCommand
	if err := cmd.Unmarshal(buf); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if cmd.TemporarySessionID != 0x04030201 {
		t.Fatalf("TemporarySessionID = %#x, want %#x", cmd.TemporarySessionID, 0x04030201)
	}
	if cmd.Challenge[0] != 4 {
		t.Fatalf("Challenge[0] = %#x, want %#x", cmd.Challenge[0], 4)
	}
}

func TestActivateSessionCommandMarshalUnmarshalRoundTrip(t *testing.T) {
	cmd := &ActivateSessionCommand{AuthType: AuthTypeMD5, PrivilegeLevel: PrivilegeAdministrator, InitialOutSeq: 1}
	for i := range cmd.Challenge {
		cmd.Challenge[i] = byte(i)
	}
	buf, err := cmd.Marshal()
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	if len(buf) != 22 {
		t.Fatalf("length = %d, want 22", len(buf))
	}
	if buf[1] != byte(PrivilegeAdministrator) {
		t.Fatalf("privilege byte = %#x, want %#x", buf[1], PrivilegeAdministrator)
	}

	respBuf := make([]byte, 10)
	respBuf[0] = byte(AuthTypeMD5)
	respBuf[1], respBuf[2], respBuf[3], respBuf[4] = 0x11, 0x22, 0x33, 0x44
	respBuf[5], respBuf[6], respBuf[7], respBuf[8] = 0x01, 0x00, 0x00, 0x00

	var resp ActivateSessionCommand
	if err := resp.Unmarshal(respBuf); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if resp.SessionID != 0x44332211 {
		t.Fatalf("SessionID = %#x, want %#x", resp.SessionID, 0x44332211)
	}
	if resp.InitialInSeq != 1 {
		t.Fatalf("InitialInSeq = %d, want 1", resp.InitialInSeq)
	}
}
