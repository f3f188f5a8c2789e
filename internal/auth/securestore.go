package auth

import (
	"context"
	"encoding/json"
	"runtime"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/MarcoPoloResearchLab/solostack/sync/internal/connector"
)

const (
	BackendUnavailable = "unavailable"
	BackendEnclave     = "memguard_enclave"

	selfTestProvider = connector.Provider("__selftest__")
)

// SecureStore persists provider credentials outside the row store. Writing a
// nil state clears the stored entry.
type SecureStore interface {
	Read(ctx context.Context, provider connector.Provider) (*State, error)
	Write(ctx context.Context, provider connector.Provider, state *State) error
	SelfTest(ctx context.Context) SelfTestReport
}

// SelfTestReport describes a write/read/delete round trip against a secure store.
type SelfTestReport struct {
	Runtime     string `json:"runtime"`
	Backend     string `json:"backend"`
	Available   bool   `json:"available"`
	WriteOK     bool   `json:"write_ok"`
	ReadOK      bool   `json:"read_ok"`
	DeleteOK    bool   `json:"delete_ok"`
	RoundtripOK bool   `json:"roundtrip_ok"`
	Detail      string `json:"detail"`
}

// UnavailableStore is used where no secure credential runtime exists. Every
// operation succeeds without storing anything.
type UnavailableStore struct{}

func (UnavailableStore) Read(context.Context, connector.Provider) (*State, error) {
	return nil, nil
}

func (UnavailableStore) Write(context.Context, connector.Provider, *State) error {
	return nil
}

func (UnavailableStore) SelfTest(context.Context) SelfTestReport {
	return SelfTestReport{
		Runtime: runtime.GOOS,
		Backend: BackendUnavailable,
		Detail:  "Secure credential storage is not available in this runtime.",
	}
}

// EnclaveStore keeps credentials encrypted in memguard enclaves for the life
// of the process.
type EnclaveStore struct {
	mu       sync.Mutex
	enclaves map[connector.Provider]*memguard.Enclave
}

func NewEnclaveStore() *EnclaveStore {
	return &EnclaveStore{enclaves: make(map[connector.Provider]*memguard.Enclave)}
}

func (s *EnclaveStore) Read(_ context.Context, provider connector.Provider) (*State, error) {
	s.mu.Lock()
	enclave, ok := s.enclaves[provider]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}

	buffer, err := enclave.Open()
	if err != nil {
		return nil, err
	}
	defer buffer.Destroy()

	var state State
	if err := json.Unmarshal(buffer.Bytes(), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *EnclaveStore) Write(_ context.Context, provider connector.Provider, state *State) error {
	if state == nil {
		s.mu.Lock()
		delete(s.enclaves, provider)
		s.mu.Unlock()
		return nil
	}
	encoded, err := state.Encode()
	if err != nil {
		return err
	}
	// NewEnclave wipes encoded.
	enclave := memguard.NewEnclave(encoded)

	s.mu.Lock()
	s.enclaves[provider] = enclave
	s.mu.Unlock()
	return nil
}

func (s *EnclaveStore) SelfTest(ctx context.Context) SelfTestReport {
	report := SelfTestReport{Runtime: runtime.GOOS, Backend: BackendEnclave, Available: true}
	sample := State{AccessToken: "selftest-access", TokenType: defaultTokenType, RefreshToken: "selftest-refresh"}

	if err := s.Write(ctx, selfTestProvider, &sample); err != nil {
		report.Detail = "write failed: " + err.Error()
		return report
	}
	report.WriteOK = true

	stored, err := s.Read(ctx, selfTestProvider)
	if err != nil || stored == nil {
		report.Detail = "read failed"
		if err != nil {
			report.Detail = "read failed: " + err.Error()
		}
		return report
	}
	report.ReadOK = true
	report.RoundtripOK = *stored == sample

	if err := s.Write(ctx, selfTestProvider, nil); err != nil {
		report.Detail = "delete failed: " + err.Error()
		return report
	}
	cleared, err := s.Read(ctx, selfTestProvider)
	report.DeleteOK = err == nil && cleared == nil
	if !report.RoundtripOK {
		report.Detail = "stored credentials did not round-trip"
	}
	return report
}
