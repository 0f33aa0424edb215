// Package acme automates the gateway's TLS certificate: it keeps an ACME
// account and the current certificate on disk, obtains a certificate at
// startup when none is valid, and renews in the background. The gateway
// consumes it through TLSConfig, whose GetCertificate callback always
// serves the most recently obtained certificate, so renewals never
// require a listener restart.
package acme

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge/http01"
	"github.com/go-acme/lego/v4/challenge/tlsalpn01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"

	"github.com/c360/energysense/errors"
)

// Challenge types the manager can answer.
const (
	ChallengeHTTP01    = "http-01"
	ChallengeTLSALPN01 = "tls-alpn-01"
)

// Config names the ACME endpoint, the identity, and the local storage.
type Config struct {
	// DirectoryURL is the ACME server directory. Empty selects Let's
	// Encrypt production.
	DirectoryURL string `json:"directory_url"`
	// Email registers the account; its presence is what switches the
	// feature on in the gateway TLS config.
	Email   string   `json:"email"`
	Domains []string `json:"domains"`
	// ChallengeType is http-01 (default) or tls-alpn-01.
	ChallengeType string `json:"challenge_type"`
	// RenewBefore renews when the certificate has less than this left.
	RenewBefore time.Duration `json:"renew_before"`
	// CheckInterval is the renewal poll cadence.
	CheckInterval time.Duration `json:"check_interval"`
	// StoragePath is the directory holding account and certificate
	// material, created 0700 on first use.
	StoragePath string `json:"storage_path"`
}

// Validate checks the configuration and fills defaulted fields.
func (c *Config) Validate() error {
	if c.Email == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "acme.Config", "Validate", "email is required")
	}
	if len(c.Domains) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "acme.Config", "Validate", "at least one domain is required")
	}
	if c.StoragePath == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "acme.Config", "Validate", "storage_path is required")
	}
	switch c.ChallengeType {
	case "", ChallengeHTTP01, ChallengeTLSALPN01:
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "acme.Config", "Validate",
			fmt.Sprintf("unsupported challenge type %q", c.ChallengeType))
	}
	if c.DirectoryURL == "" {
		c.DirectoryURL = lego.LEDirectoryProduction
	}
	if c.ChallengeType == "" {
		c.ChallengeType = ChallengeHTTP01
	}
	if c.RenewBefore <= 0 {
		c.RenewBefore = 30 * 24 * time.Hour
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 12 * time.Hour
	}
	return nil
}

// account is the persisted ACME registration. It implements
// registration.User for lego.
type account struct {
	Email        string                 `json:"email"`
	Registration *registration.Resource `json:"registration"`
	key          crypto.PrivateKey
}

func (a *account) GetEmail() string                        { return a.Email }
func (a *account) GetRegistration() *registration.Resource { return a.Registration }
func (a *account) GetPrivateKey() crypto.PrivateKey        { return a.key }

// Manager owns the account, the lego client, and the live certificate.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	client  *lego.Client
	account *account
	current atomic.Pointer[tls.Certificate]
}

// NewManager loads or creates the ACME account and prepares the lego
// client. It does not touch the network beyond account registration.
func NewManager(cfg Config, logger *slog.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.StoragePath, 0o700); err != nil {
		return nil, errors.WrapFatal(err, "acme.Manager", "NewManager", "create storage directory")
	}

	m := &Manager{cfg: cfg, logger: logger.With("component", "acme")}
	if err := m.loadOrCreateAccount(); err != nil {
		return nil, err
	}
	if err := m.buildClient(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) accountPaths() (accountPath, keyPath string) {
	return filepath.Join(m.cfg.StoragePath, "account.json"),
		filepath.Join(m.cfg.StoragePath, "account.key")
}

func (m *Manager) certPaths() (certPath, keyPath string) {
	return filepath.Join(m.cfg.StoragePath, "certificate.pem"),
		filepath.Join(m.cfg.StoragePath, "certificate.key")
}

func (m *Manager) loadOrCreateAccount() error {
	accountPath, keyPath := m.accountPaths()

	if data, err := os.ReadFile(accountPath); err == nil {
		var acct account
		if err := json.Unmarshal(data, &acct); err != nil {
			return errors.WrapFatal(err, "acme.Manager", "loadOrCreateAccount", "decode account")
		}
		keyData, err := os.ReadFile(keyPath)
		if err != nil {
			return errors.WrapFatal(err, "acme.Manager", "loadOrCreateAccount", "read account key")
		}
		key, err := certcrypto.ParsePEMPrivateKey(keyData)
		if err != nil {
			return errors.WrapFatal(err, "acme.Manager", "loadOrCreateAccount", "parse account key")
		}
		acct.key = key
		m.account = &acct
		return nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return errors.WrapFatal(err, "acme.Manager", "loadOrCreateAccount", "generate account key")
	}
	m.account = &account{Email: m.cfg.Email, key: key}
	m.logger.Info("Created new ACME account", "email", m.cfg.Email)
	return m.saveAccount()
}

func (m *Manager) saveAccount() error {
	accountPath, keyPath := m.accountPaths()

	data, err := json.MarshalIndent(m.account, "", "  ")
	if err != nil {
		return errors.WrapFatal(err, "acme.Manager", "saveAccount", "encode account")
	}
	if err := os.WriteFile(accountPath, data, 0o600); err != nil {
		return errors.WrapFatal(err, "acme.Manager", "saveAccount", "write account")
	}
	if err := os.WriteFile(keyPath, certcrypto.PEMEncode(m.account.key), 0o600); err != nil {
		return errors.WrapFatal(err, "acme.Manager", "saveAccount", "write account key")
	}
	return nil
}

func (m *Manager) buildClient() error {
	legoCfg := lego.NewConfig(m.account)
	legoCfg.CADirURL = m.cfg.DirectoryURL
	legoCfg.Certificate.KeyType = certcrypto.EC256

	client, err := lego.NewClient(legoCfg)
	if err != nil {
		return errors.WrapFatal(err, "acme.Manager", "buildClient", "create ACME client")
	}

	switch m.cfg.ChallengeType {
	case ChallengeHTTP01:
		err = client.Challenge.SetHTTP01Provider(http01.NewProviderServer("", "80"))
	case ChallengeTLSALPN01:
		err = client.Challenge.SetTLSALPN01Provider(tlsalpn01.NewProviderServer("", "443"))
	}
	if err != nil {
		return errors.WrapFatal(err, "acme.Manager", "buildClient", "configure challenge provider")
	}

	if m.account.Registration == nil {
		reg, err := client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
		if err != nil {
			return errors.WrapTransient(err, "acme.Manager", "buildClient", "register ACME account")
		}
		m.account.Registration = reg
		if err := m.saveAccount(); err != nil {
			return err
		}
	}

	m.client = client
	return nil
}

// Start ensures a valid certificate is live, obtaining one when the
// stored certificate is missing or already inside the renewal window,
// then launches the renewal loop. It returns once a certificate serves.
func (m *Manager) Start(ctx context.Context) error {
	cert, expiring, err := m.loadStored()
	if err != nil {
		m.logger.Warn("Stored certificate unusable, obtaining a new one", "error", err)
	}
	if cert == nil || expiring {
		cert, err = m.obtain()
		if err != nil {
			return err
		}
	}
	m.current.Store(cert)

	go m.renewLoop(ctx)
	return nil
}

// TLSConfig returns a server configuration that always presents the
// manager's current certificate.
func (m *Manager) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			cert := m.current.Load()
			if cert == nil {
				return nil, errors.Wrap(errors.ErrNotStarted, "acme.Manager", "GetCertificate", "no certificate available")
			}
			return cert, nil
		},
	}
}

// loadStored reads the on-disk certificate, reporting whether it is
// inside the renewal window.
func (m *Manager) loadStored() (*tls.Certificate, bool, error) {
	certPath, keyPath := m.certPaths()
	if _, err := os.Stat(certPath); os.IsNotExist(err) {
		return nil, false, nil
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, false, errors.WrapFatal(err, "acme.Manager", "loadStored", "load stored certificate")
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, false, errors.WrapFatal(err, "acme.Manager", "loadStored", "parse stored certificate")
	}

	expiring := time.Now().After(leaf.NotAfter.Add(-m.cfg.RenewBefore))
	return &cert, expiring, nil
}

// obtain requests a fresh certificate and stores it.
func (m *Manager) obtain() (*tls.Certificate, error) {
	res, err := m.client.Certificate.Obtain(certificate.ObtainRequest{
		Domains: m.cfg.Domains,
		Bundle:  true,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "acme.Manager", "obtain", "obtain certificate")
	}
	return m.store(res.Certificate, res.PrivateKey)
}

func (m *Manager) store(certPEM, keyPEM []byte) (*tls.Certificate, error) {
	certPath, keyPath := m.certPaths()
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return nil, errors.WrapFatal(err, "acme.Manager", "store", "write certificate")
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return nil, errors.WrapFatal(err, "acme.Manager", "store", "write certificate key")
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, errors.WrapFatal(err, "acme.Manager", "store", "parse obtained certificate")
	}
	return &cert, nil
}

// renewLoop polls until ctx is cancelled. Transient renewal failures are
// logged and retried on the next tick; the previous certificate keeps
// serving in the meantime.
func (m *Manager) renewLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cert, expiring, err := m.loadStored()
			if err != nil {
				m.logger.Warn("Renewal check failed", "error", err)
				continue
			}
			if cert != nil && !expiring {
				continue
			}
			renewed, err := m.obtain()
			if err != nil {
				m.logger.Warn("Certificate renewal failed, keeping current certificate", "error", err)
				continue
			}
			m.current.Store(renewed)
			m.logger.Info("Certificate renewed", "domains", m.cfg.Domains)
		}
	}
}
