package tunnel

import "testing"

func validConfig() TunnelConfig {
	return TunnelConfig{
		Name:   "staging-db",
		Source: Endpoint{IP: "10.0.0.1", User: "deploy", Password: "secret"},
		Remote: Endpoint{IP: "203.0.113.5", User: "ubuntu", Password: "secret"},
	}
}

func TestTunnelConfigValidate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("validConfig().Validate() = %v, want nil", err)
	}
}

func TestTunnelConfigValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*TunnelConfig)
	}{
		{"empty name", func(c *TunnelConfig) { c.Name = "" }},
		{"empty source ip", func(c *TunnelConfig) { c.Source.IP = "" }},
		{"empty source user", func(c *TunnelConfig) { c.Source.User = "" }},
		{"empty remote ip", func(c *TunnelConfig) { c.Remote.IP = "" }},
		{"empty remote user", func(c *TunnelConfig) { c.Remote.User = "" }},
		{"no source credential", func(c *TunnelConfig) { c.Source.Password = ""; c.Source.PrivateKey = "" }},
		{"no remote credential", func(c *TunnelConfig) { c.Remote.Password = ""; c.Remote.PrivateKey = "" }},
		{"negative max retries", func(c *TunnelConfig) { c.RetryPolicy.MaxRetries = -1 }},
		{"negative retry interval", func(c *TunnelConfig) { c.RetryPolicy.RetryIntervalMs = -1 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate() = nil, want error")
			}
		})
	}
}

func TestTunnelConfigValidateAcceptsPrivateKeyOnly(t *testing.T) {
	cfg := validConfig()
	cfg.Source.Password = ""
	cfg.Source.PrivateKey = "-----BEGIN KEY-----"
	cfg.Remote.Password = ""
	cfg.Remote.PrivateKey = "-----BEGIN KEY-----"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestRetryIntervalDefault(t *testing.T) {
	cfg := validConfig()
	if got := cfg.retryInterval(); got != 5000 {
		t.Errorf("retryInterval() = %d, want 5000", got)
	}
	cfg.RetryPolicy.RetryIntervalMs = 2000
	if got := cfg.retryInterval(); got != 2000 {
		t.Errorf("retryInterval() = %d, want 2000", got)
	}
}

func TestRefreshIntervalDefault(t *testing.T) {
	cfg := validConfig()
	if got := cfg.refreshInterval(); got != 30000 {
		t.Errorf("refreshInterval() = %d, want 30000", got)
	}
	cfg.RefreshIntervalMs = 15000
	if got := cfg.refreshInterval(); got != 15000 {
		t.Errorf("refreshInterval() = %d, want 15000", got)
	}
}

func TestStatusRecordConstructors(t *testing.T) {
	if st := connectedStatus(); !st.Connected || st.Status != PhaseConnected {
		t.Errorf("connectedStatus() = %+v", st)
	}
	if st := unstableStatus(); !st.Connected || st.Status != PhaseUnstable {
		t.Errorf("unstableStatus() = %+v", st)
	}
	if st := retryingStatus(2, 5, 10); st.Status != PhaseRetrying || st.RetryCount != 2 || st.MaxRetries != 5 || st.NextRetryIn != 10 {
		t.Errorf("retryingStatus() = %+v", st)
	}
	if st := failedStatus("boom", false); st.Status != PhaseFailed || st.Reason != "boom" || st.RetryExhausted {
		t.Errorf("failedStatus(false) = %+v", st)
	}
	if st := failedStatus("boom", true); st.Reason != "Max retries exhausted" || !st.RetryExhausted {
		t.Errorf("failedStatus(true) = %+v", st)
	}
	if st := disconnectedStatus(true); st.Status != PhaseDisconnected || !st.ManualDisconnect {
		t.Errorf("disconnectedStatus(true) = %+v", st)
	}
}
