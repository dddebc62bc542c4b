// Package security holds the TLS settings shared by the daemon listeners and
// by the backends that dial out.
package security

// ServerTLS configures a TLS listener. Device ports, the HTTP API and the
// event websocket all take one.
type ServerTLS struct {
	Enabled    bool   `json:"enabled"`
	CertFile   string `json:"cert_file,omitempty"`
	KeyFile    string `json:"key_file,omitempty"`
	MinVersion string `json:"min_version,omitempty"` // "1.2" or "1.3"

	// Client certificate checks, off unless ClientCAFiles is set.
	ClientCAFiles     []string `json:"client_ca_files,omitempty"`
	RequireClientCert bool     `json:"require_client_cert,omitempty"`
	AllowedClientCNs  []string `json:"allowed_client_cns,omitempty"`
}

// ClientTLS configures outgoing connections to brokers and webhooks. The
// system CA bundle is always trusted; CAFiles add to it.
type ClientTLS struct {
	Enabled            bool     `json:"enabled"`
	CAFiles            []string `json:"ca_files,omitempty"`
	CertFile           string   `json:"cert_file,omitempty"` // client certificate
	KeyFile            string   `json:"key_file,omitempty"`
	InsecureSkipVerify bool     `json:"insecure_skip_verify,omitempty"` // tests only
	MinVersion         string   `json:"min_version,omitempty"`
}
