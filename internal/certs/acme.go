package certs

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hostwatch/hostwatch/internal/logger"
)

const (
	orderPollAttempts = 4
	orderPollDelay    = 5 * time.Second
	authzPollAttempts = 5
	authzPollDelay    = 5 * time.Second
)

// AcmeClient drives the ACME v2 issuance flow: account registration, order
// placement, challenge solving, finalisation and chain download. One order
// covers up to the server's SAN limit of domains; batching is the caller's
// concern.
type AcmeClient struct {
	api     string
	store   *KeyStore
	solvers []Solver
	http    *http.Client
	log     logger.Logger
}

func NewAcmeClient(api string, store *KeyStore, solvers []Solver, log logger.Logger) *AcmeClient {
	return &AcmeClient{
		api:     api,
		store:   store,
		solvers: solvers,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     log,
	}
}

type acmeDirectory struct {
	NewNonce   string `json:"newNonce"`
	NewAccount string `json:"newAccount"`
	NewOrder   string `json:"newOrder"`
}

type acmeOrder struct {
	Status         string   `json:"status"`
	Authorizations []string `json:"authorizations"`
	Finalize       string   `json:"finalize"`
	Certificate    string   `json:"certificate"`
}

type acmeAuthorization struct {
	Status     string `json:"status"`
	Identifier struct {
		Value string `json:"value"`
	} `json:"identifier"`
	Wildcard   bool `json:"wildcard"`
	Challenges []struct {
		Type  string `json:"type"`
		URL   string `json:"url"`
		Token string `json:"token"`
	} `json:"challenges"`
}

// session carries the per-order signing state.
type acmeSession struct {
	key   *rsa.PrivateKey
	kid   string
	dir   acmeDirectory
	nonce string
}

// Order obtains one certificate covering domains and persists the chain
// under name in the key store. It returns the chain's NotAfter.
func (a *AcmeClient) Order(name string, domains []string, keyType KeyType) (time.Time, error) {
	session, err := a.register()
	if err != nil {
		return time.Time{}, err
	}

	a.log.Info("placing acme order", logger.Strings("domains", domains))
	identifiers := make([]map[string]string, len(domains))
	for i, d := range domains {
		identifiers[i] = map[string]string{"type": "dns", "value": d}
	}
	code, body, headers, err := a.signedRequest(session, session.dir.NewOrder,
		map[string]interface{}{"identifiers": identifiers})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to create order: %w", err)
	}
	if code < 200 || code > 299 {
		return time.Time{}, fmt.Errorf("unexpected status %d creating order: %s", code, body)
	}
	var order acmeOrder
	if err := json.Unmarshal(body, &order); err != nil {
		return time.Time{}, fmt.Errorf("failed to decode order: %w", err)
	}
	orderURL := headers.Get("Location")

	for _, authzURL := range order.Authorizations {
		if err := a.solveAuthorization(session, authzURL); err != nil {
			return time.Time{}, err
		}
	}

	return a.finalize(session, name, domains, keyType, order, orderURL)
}

// register creates or reuses the account key and registers it, accepting
// both 200 (already registered) and 201 (created).
func (a *AcmeClient) register() (*acmeSession, error) {
	key, err := a.store.AccountKey()
	if err != nil {
		return nil, err
	}

	resp, err := a.http.Get(a.api)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch acme directory: %w", err)
	}
	defer resp.Body.Close()
	var dir acmeDirectory
	if err := json.NewDecoder(resp.Body).Decode(&dir); err != nil {
		return nil, fmt.Errorf("failed to decode acme directory: %w", err)
	}

	session := &acmeSession{key: key, dir: dir}
	code, body, headers, err := a.signedRequest(session, dir.NewAccount,
		map[string]interface{}{"termsOfServiceAgreed": true})
	if err != nil {
		return nil, fmt.Errorf("failed to register account: %w", err)
	}
	switch code {
	case 201:
		a.log.Info("acme account registered")
	case 200:
		a.log.Debug("acme account already registered")
	default:
		return nil, fmt.Errorf("unexpected status %d registering account: %s", code, body)
	}
	session.kid = headers.Get("Location")
	return session, nil
}

func (a *AcmeClient) solveAuthorization(session *acmeSession, authzURL string) error {
	authz, err := a.fetchAuthorization(authzURL)
	if err != nil {
		return err
	}
	domain := authz.Identifier.Value
	if authz.Wildcard {
		domain = "*." + domain
	}
	if authz.Status == "valid" {
		a.log.Debug("authorization already valid", logger.String("domain", domain))
		return nil
	}

	solver, challengeURL, token := a.pickChallenge(authz, domain)
	if solver == nil {
		return fmt.Errorf("no challenge solver supports domain %s", domain)
	}
	keyAuth := token + "." + thumbprint(session.key)

	a.log.Info("solving challenge",
		logger.String("domain", domain),
		logger.String("type", solver.Type()))
	if err := solver.Publish(domain, token, keyAuth); err != nil {
		return err
	}
	defer func() {
		if err := solver.Cleanup(domain, token); err != nil {
			a.log.Warn("failed to clean up challenge",
				logger.String("domain", domain), logger.Error(err))
		}
	}()

	// trigger validation
	code, body, _, err := a.signedRequest(session, challengeURL,
		map[string]interface{}{"keyAuthorization": keyAuth})
	if err != nil {
		return fmt.Errorf("failed to trigger challenge for %s: %w", domain, err)
	}
	if code > 399 {
		return fmt.Errorf("challenge trigger for %s returned %d: %s", domain, code, body)
	}

	for attempt := 1; attempt <= authzPollAttempts; attempt++ {
		authz, err := a.fetchAuthorization(authzURL)
		if err != nil {
			return err
		}
		switch authz.Status {
		case "valid":
			return nil
		case "pending", "processing":
			a.log.Debug("authorization pending",
				logger.String("domain", domain), logger.Int("attempt", attempt))
			time.Sleep(authzPollDelay)
		default:
			return fmt.Errorf("authorization for %s entered status %q", domain, authz.Status)
		}
	}
	return fmt.Errorf("authorization for %s still pending after %d polls", domain, authzPollAttempts)
}

func (a *AcmeClient) pickChallenge(authz *acmeAuthorization, domain string) (Solver, string, string) {
	for _, solver := range a.solvers {
		if !solver.SupportsDomain(domain) {
			continue
		}
		for _, ch := range authz.Challenges {
			if ch.Type == solver.Type() {
				return solver, ch.URL, ch.Token
			}
		}
	}
	return nil, "", ""
}

func (a *AcmeClient) fetchAuthorization(url string) (*acmeAuthorization, error) {
	resp, err := a.http.Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch authorization: %w", err)
	}
	defer resp.Body.Close()
	var authz acmeAuthorization
	if err := json.NewDecoder(resp.Body).Decode(&authz); err != nil {
		return nil, fmt.Errorf("failed to decode authorization: %w", err)
	}
	return &authz, nil
}

func (a *AcmeClient) finalize(session *acmeSession, name string, domains []string, keyType KeyType, order acmeOrder, orderURL string) (time.Time, error) {
	key, err := a.store.DomainKey(name, keyType)
	if err != nil {
		return time.Time{}, err
	}
	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: domains[0]},
		DNSNames: domains,
	}, key)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to create csr: %w", err)
	}

	code, body, _, err := a.signedRequest(session, order.Finalize,
		map[string]interface{}{"csr": base64.RawURLEncoding.EncodeToString(csr)})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to finalize order: %w", err)
	}
	if code > 399 {
		return time.Time{}, fmt.Errorf("finalize returned %d: %s", code, body)
	}

	certificateURL := ""
	for attempt := 1; attempt <= orderPollAttempts; attempt++ {
		var polled acmeOrder
		resp, err := a.http.Get(orderURL)
		if err != nil {
			return time.Time{}, fmt.Errorf("failed to poll order: %w", err)
		}
		err = json.NewDecoder(resp.Body).Decode(&polled)
		resp.Body.Close()
		if err != nil {
			return time.Time{}, fmt.Errorf("failed to decode order poll: %w", err)
		}
		if polled.Status == "valid" && polled.Certificate != "" {
			certificateURL = polled.Certificate
			break
		}
		if polled.Status != "pending" && polled.Status != "processing" && polled.Status != "valid" {
			return time.Time{}, fmt.Errorf("order entered status %q", polled.Status)
		}
		a.log.Debug("order not ready", logger.Int("attempt", attempt), logger.String("status", polled.Status))
		time.Sleep(orderPollDelay)
	}
	if certificateURL == "" {
		return time.Time{}, fmt.Errorf("order not valid after %d polls", orderPollAttempts)
	}

	resp, err := a.http.Get(certificateURL)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to download certificate: %w", err)
	}
	defer resp.Body.Close()
	chain, err := io.ReadAll(resp.Body)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read certificate chain: %w", err)
	}
	if err := a.store.SaveCertChain(name, chain); err != nil {
		return time.Time{}, err
	}
	notAfter, err := a.store.Expiry(name)
	if err != nil {
		return time.Time{}, err
	}
	a.log.Info("certificate issued",
		logger.Strings("domains", domains), logger.Time("not_after", notAfter))
	return notAfter, nil
}

// signedRequest performs one JWS-signed POST. A nil payload sends
// POST-as-GET. The session's nonce is refreshed from each response.
func (a *AcmeClient) signedRequest(session *acmeSession, url string, payload interface{}) (int, []byte, http.Header, error) {
	if session.nonce == "" {
		nonce, err := a.fetchNonce(session.dir.NewNonce)
		if err != nil {
			return 0, nil, nil, err
		}
		session.nonce = nonce
	}

	protected := map[string]interface{}{
		"alg":   "RS256",
		"nonce": session.nonce,
		"url":   url,
	}
	if session.kid != "" {
		protected["kid"] = session.kid
	} else {
		protected["jwk"] = jwk(session.key)
	}
	protectedJSON, err := json.Marshal(protected)
	if err != nil {
		return 0, nil, nil, err
	}
	protected64 := base64.RawURLEncoding.EncodeToString(protectedJSON)

	payload64 := ""
	if payload != nil {
		payloadJSON, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, nil, err
		}
		payload64 = base64.RawURLEncoding.EncodeToString(payloadJSON)
	}

	digest := sha256.Sum256([]byte(protected64 + "." + payload64))
	signature, err := rsa.SignPKCS1v15(rand.Reader, session.key, crypto.SHA256, digest[:])
	if err != nil {
		return 0, nil, nil, fmt.Errorf("failed to sign request: %w", err)
	}

	body, err := json.Marshal(map[string]string{
		"protected": protected64,
		"payload":   payload64,
		"signature": base64.RawURLEncoding.EncodeToString(signature),
	})
	if err != nil {
		return 0, nil, nil, err
	}

	resp, err := a.http.Post(url, "application/jose+json", strings.NewReader(string(body)))
	if err != nil {
		session.nonce = ""
		return 0, nil, nil, err
	}
	defer resp.Body.Close()
	session.nonce = resp.Header.Get("Replay-Nonce")
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, err
	}
	return resp.StatusCode, respBody, resp.Header, nil
}

func (a *AcmeClient) fetchNonce(url string) (string, error) {
	resp, err := a.http.Head(url)
	if err != nil {
		return "", fmt.Errorf("failed to fetch nonce: %w", err)
	}
	defer resp.Body.Close()
	nonce := resp.Header.Get("Replay-Nonce")
	if nonce == "" {
		return "", fmt.Errorf("acme server returned no Replay-Nonce")
	}
	return nonce, nil
}

// jwk renders the public account key as a JSON Web Key.
func jwk(key *rsa.PrivateKey) map[string]string {
	return map[string]string{
		"e":   base64.RawURLEncoding.EncodeToString(bigIntBytes(key.E)),
		"kty": "RSA",
		"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
	}
}

// thumbprint is the base64url sha-256 of the canonical JWK, the suffix of
// every key authorisation.
func thumbprint(key *rsa.PrivateKey) string {
	k := jwk(key)
	// lexicographic member order is required for the digest
	canonical := fmt.Sprintf(`{"e":%q,"kty":%q,"n":%q}`, k["e"], k["kty"], k["n"])
	digest := sha256.Sum256([]byte(canonical))
	return base64.RawURLEncoding.EncodeToString(digest[:])
}

func bigIntBytes(e int) []byte {
	b := make([]byte, 0, 4)
	for e > 0 {
		b = append([]byte{byte(e & 0xff)}, b...)
		e >>= 8
	}
	return b
}
