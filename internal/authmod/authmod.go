// Package authmod is the Auth Module (AM): credential verification for the
// SMTP and POP3 server engines. It is grounded on the teacher's
// auth.AuthenticationAgent.Authenticate usage pattern, but implemented
// in-module with a salted/iterated KDF since the real
// github.com/infodancer/auth package's internals are not part of the
// retrieved pack — this reimplements its public contract (verify,
// issue_apop_nonce, verify_apop) the way the teacher's callers use it.
package authmod

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/infodancer/mailcore/internal/mailerr"
)

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

const (
	pbkdf2Iterations = 100_000
	pbkdf2KeyLen     = 32
	saltLen          = 16
)

// dummySalt stands in for a missing credential's salt so Verify always pays
// the same PBKDF2 cost whether or not username exists (spec.md §4.7, §4.11.2:
// no side channel may reveal username existence).
var dummySalt = []byte("mailcore-dummy-salt-fixed-value")

// Credential is the stored per-user authentication record.
type Credential struct {
	Username string
	Salt     []byte
	Hash     []byte

	// ReversibleSecret, when non-empty, holds the plaintext password (or an
	// equivalently reversible form) so APOP's MD5(nonce+secret) challenge
	// can be verified. Most deployments leave this empty and APOP is
	// reported unsupported (spec.md Open Question, see DESIGN.md).
	ReversibleSecret string
}

// Store looks up stored credentials by username. Implemented by
// internal/store against the durable store's users table.
type Store interface {
	Lookup(username string) (*Credential, error)
}

// Module is the Auth Module: it never exposes raw secrets to callers,
// only pass/fail and nonce issuance.
type Module struct {
	store Store
}

// New creates an Auth Module backed by store.
func New(store Store) *Module {
	return &Module{store: store}
}

// HashPassword derives a storable Credential from a plaintext password
// using PBKDF2-HMAC-SHA256 with a random salt.
func HashPassword(username, password string) (*Credential, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, mailerr.Wrap(mailerr.KindUnknown, "generating salt", err)
	}
	hash := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
	return &Credential{Username: username, Salt: salt, Hash: hash}, nil
}

// Verify checks a plaintext password against the stored credential for
// username using a constant-time comparison, so neither the comparison nor
// the existence of username is distinguishable by timing: the PBKDF2
// derivation always runs, against the real salt when found or a fixed dummy
// salt when it isn't, before any branch on lookup outcome.
func (m *Module) Verify(username, password string) error {
	cred, err := m.store.Lookup(username)
	if err != nil {
		return mailerr.Wrap(mailerr.KindAuthFailed, "credential lookup", err)
	}

	salt := dummySalt
	var hash []byte
	if cred != nil {
		salt = cred.Salt
		hash = cred.Hash
	}
	candidate := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)

	// Deliberately identical error for "no such user" and "wrong password":
	// callers must not be able to enumerate valid usernames (spec.md §4.7).
	if cred == nil || subtle.ConstantTimeCompare(candidate, hash) != 1 {
		return mailerr.New(mailerr.KindAuthFailed, "invalid credentials")
	}
	return nil
}

// IssueAPOPNonce generates the greeting-time challenge string POP3 APOP
// requires: "<random.timestamp@hostname>".
func IssueAPOPNonce(hostname string) (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", mailerr.Wrap(mailerr.KindUnknown, "generating APOP nonce", err)
	}
	return fmt.Sprintf("<%s.%d@%s>", hex.EncodeToString(buf[:]), time.Now().UnixNano(), hostname), nil
}

// VerifyAPOP checks an APOP digest (hex MD5 of nonce+secret per RFC 1939)
// against the stored credential. It returns KindUnsupported if the stored
// credential has no reversible secret, since a salted-hash-only credential
// cannot reproduce the MD5(nonce+secret) digest.
func (m *Module) VerifyAPOP(username, nonce, digestHex string) error {
	cred, err := m.store.Lookup(username)
	if err != nil || cred == nil {
		return mailerr.New(mailerr.KindAuthFailed, "invalid credentials")
	}
	if cred.ReversibleSecret == "" {
		return mailerr.New(mailerr.KindUnsupported, "APOP requires a reversible secret")
	}

	expected := md5Hex(nonce + cred.ReversibleSecret)
	if subtle.ConstantTimeCompare([]byte(strings.ToLower(digestHex)), []byte(expected)) != 1 {
		return mailerr.New(mailerr.KindAuthFailed, "invalid credentials")
	}
	return nil
}

// SignChallenge produces an HMAC-SHA256 over challenge using secret,
// base64-encoded. Used by session coordinators and not part of the POP3/SMTP
// wire contract itself, but shares the module's keying material handling.
func SignChallenge(secret, challenge []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(challenge)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
