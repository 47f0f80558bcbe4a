package ap2

import "testing"

func TestBatchStatusTerminal(t *testing.T) {
	tests := []struct {
		status   BatchStatus
		terminal bool
	}{
		{BatchPending, false},
		{BatchSettling, false},
		{BatchSettled, true},
		{BatchFailed, true},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.terminal {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.terminal)
		}
	}
}

func TestIntentMandateSignedAndExpired(t *testing.T) {
	m := &IntentMandate{ExpiresAt: 1000}

	if m.Signed() {
		t.Error("mandate without signature reports signed")
	}
	m.UserSignature = "0xabc"
	if !m.Signed() {
		t.Error("mandate with signature reports unsigned")
	}

	if m.Expired(1000) {
		t.Error("mandate at its expiry instant is not yet expired")
	}
	if !m.Expired(1001) {
		t.Error("mandate past expiry reports unexpired")
	}
}

func TestEqualAddress(t *testing.T) {
	a := "0x857b06519E91e3A54538791bDbb0E22373e36b66"
	b := "0x857B06519E91E3A54538791BDBB0E22373E36B66"
	if !EqualAddress(a, b) {
		t.Error("addresses differing only in case compare unequal")
	}
	if EqualAddress(a, "0x209693Bc6afc0C5328bA36FaF03C514EF312287C") {
		t.Error("distinct addresses compare equal")
	}
}

func TestMicroUSDCToUSDC(t *testing.T) {
	tests := []struct {
		micro int64
		want  string
	}{
		{0, "0.000000"},
		{1, "0.000001"},
		{100, "0.000100"},
		{1500000, "1.500000"},
		{5000000, "5.000000"},
	}
	for _, tt := range tests {
		if got := MicroUSDCToUSDC(tt.micro); got != tt.want {
			t.Errorf("MicroUSDCToUSDC(%d) = %s, want %s", tt.micro, got, tt.want)
		}
	}
}
