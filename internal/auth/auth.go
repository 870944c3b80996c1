// Package auth implements the three-message mutual-authentication
// handshake every agent connection performs before it is admitted to
// the registry: server issues a nonce challenge, agent answers with an
// HMAC over its claimed identity and the echoed nonce, server verifies
// and reports the verdict.
//
// The MAC construction uses HMAC-SHA256 with a constant-time
// comparison of the result, the same way a webhook signature would be
// checked; the handshake's message-then-timeout shape resembles a
// connection-level challenge/response, adapted here to a shared-secret
// HMAC over an explicit agent id, nonce, and timestamp rather than a
// public-key signature.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/opsfleet/controlplane/internal/opserr"
	"github.com/opsfleet/controlplane/internal/wire"
)

// ClockSkew bounds how far the response's echoed timestamp may drift
// from the verifier's own clock before the handshake is rejected.
const ClockSkew = 30 * time.Second

// HandshakeTimeout bounds the entire three-message exchange. Callers
// apply it as a connection deadline set before the exchange begins.
const HandshakeTimeout = 10 * time.Second

// NonceSize is the number of random bytes in a challenge nonce, hex
// encoded to twice this length on the wire.
const NonceSize = 16

// Authenticator computes and verifies the shared-secret MAC used by
// the handshake. The zero value is not usable; use New.
type Authenticator struct {
	secret []byte
}

// New creates an Authenticator from the fleet's shared secret. An
// empty secret is rejected by the caller's configuration loader, not
// here, this package only computes and compares MACs.
func New(secret []byte) Authenticator {
	return Authenticator{secret: secret}
}

// GenerateNonce returns a fresh, hex-encoded random nonce for a new
// challenge.
func GenerateNonce() (string, error) {
	raw := make([]byte, NonceSize)
	if _, err := rand.Read(raw); err != nil {
		return "", opserr.Wrap(opserr.KindTransport, "generating nonce", err)
	}
	return hex.EncodeToString(raw), nil
}

// signingMessage builds the exact byte string the MAC is computed
// over: "agent_id:nonce:ts". Both sides must build this identically.
func signingMessage(agentID, nonce string, ts int64) []byte {
	return []byte(fmt.Sprintf("%s:%s:%d", agentID, nonce, ts))
}

// Compute returns the hex-encoded HMAC-SHA256 of agent_id:nonce:ts
// under the authenticator's shared secret.
func (a Authenticator) Compute(agentID, nonce string, ts int64) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write(signingMessage(agentID, nonce, ts))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether response is a valid answer to challenge: the
// claimed nonce matches, the claimed timestamp is within ClockSkew of
// now, and the MAC verifies under constant-time comparison. It returns
// a Reason naming the first check that failed, or "" on success.
func (a Authenticator) Verify(challenge wire.AuthChallenge, response wire.AuthResponse, now time.Time) (ok bool, reason string) {
	if response.Nonce != challenge.Nonce {
		return false, "nonce_mismatch"
	}
	if response.TS != challenge.TS {
		return false, "timestamp_mismatch"
	}
	skew := now.Sub(time.Unix(response.TS, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > ClockSkew {
		return false, "clock_skew_exceeded"
	}

	want := a.Compute(response.AgentID, response.Nonce, response.TS)
	got := response.MAC
	if subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
		return false, "mac_mismatch"
	}
	return true, ""
}

// Frame is the minimal interface the handshake needs from a
// connection: send one JSON value, receive one JSON value. wire.Codec
// satisfies this directly.
type Frame interface {
	Send(v any) error
	Receive(v any) error
}

// ServerHandshake drives the server's half of the three-message
// exchange over frame: issue a challenge, read and verify the
// response, send the verdict. On success it returns the
// now-authenticated agent id. The caller is responsible for imposing
// HandshakeTimeout on the underlying connection (e.g. via
// net.Conn.SetDeadline) before calling this.
func (a Authenticator) ServerHandshake(frame Frame, now time.Time) (agentID string, err error) {
	nonce, err := GenerateNonce()
	if err != nil {
		return "", err
	}
	challenge := wire.NewAuthChallenge(nonce, now.Unix())
	if err := frame.Send(challenge); err != nil {
		return "", opserr.Wrap(opserr.KindTransport, "sending auth challenge", err)
	}

	var response wire.AuthResponse
	if err := frame.Receive(&response); err != nil {
		return "", opserr.Wrap(opserr.KindProtocol, "reading auth response", err)
	}

	ok, reason := a.Verify(challenge, response, now)
	result := wire.NewAuthResult(ok, reason)
	if sendErr := frame.Send(result); sendErr != nil {
		return "", opserr.Wrap(opserr.KindTransport, "sending auth result", sendErr)
	}
	if !ok {
		return "", opserr.New(opserr.KindAuth, reason)
	}
	return response.AgentID, nil
}

// ClientHandshake drives the agent's half of the exchange: read the
// challenge, compute and send the response, read the verdict. Returns
// an error if the server rejects the handshake or the exchange fails
// at the transport level.
func (a Authenticator) ClientHandshake(frame Frame, agentID string) error {
	var challenge wire.AuthChallenge
	if err := frame.Receive(&challenge); err != nil {
		return opserr.Wrap(opserr.KindProtocol, "reading auth challenge", err)
	}

	mac := a.Compute(agentID, challenge.Nonce, challenge.TS)
	response := wire.NewAuthResponse(wire.AuthResponse{
		AgentID: agentID,
		Nonce:   challenge.Nonce,
		TS:      challenge.TS,
		MAC:     mac,
	})
	if err := frame.Send(response); err != nil {
		return opserr.Wrap(opserr.KindTransport, "sending auth response", err)
	}

	var result wire.AuthResult
	if err := frame.Receive(&result); err != nil {
		return opserr.Wrap(opserr.KindProtocol, "reading auth result", err)
	}
	if !result.OK {
		return opserr.New(opserr.KindAuth, result.Reason)
	}
	return nil
}
