package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/tv42/zbase32"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type contextKey string

const (
	PEER_PUBKEY_CONTEXT_KEY contextKey = "peer_pubkey"

	RequestTimeHeader = "x-request-time"
	SignatureHeader   = "x-signature"

	DefaultMaxSkew = 5 * time.Minute
)

var ErrInvalidSignature = fmt.Errorf("invalid signature")
var SignedMsgPrefix = []byte("changesync:")

// RequestDigest is the text a unary request is signed over: the method, a
// hash of the JSON encoded request and the request time.
func RequestDigest(method string, req interface{}, requestTime int64) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}
	return fmt.Sprintf("%v-%x-%v", method, sha256.Sum256(body), requestTime), nil
}

// StreamDigest is the text a stream is signed over.
func StreamDigest(method string, requestTime int64) string {
	return fmt.Sprintf("%v-%v", method, requestTime)
}

// Signer signs outgoing peer requests with the instance key.
type Signer struct {
	key *btcec.PrivateKey
	now func() time.Time
}

func NewSigner(key *btcec.PrivateKey) *Signer {
	return &Signer{key: key, now: time.Now}
}

// PubKey is the hex encoded compressed public key peers must trust.
func (s *Signer) PubKey() string {
	return hex.EncodeToString(s.key.PubKey().SerializeCompressed())
}

func (s *Signer) sign(ctx context.Context, digest string, requestTime int64) (context.Context, error) {
	signature, err := SignMessage(s.key, []byte(digest))
	if err != nil {
		return nil, err
	}
	return metadata.AppendToOutgoingContext(ctx,
		RequestTimeHeader, strconv.FormatInt(requestTime, 10),
		SignatureHeader, signature), nil
}

func (s *Signer) UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		requestTime := s.now().Unix()
		digest, err := RequestDigest(method, req, requestTime)
		if err != nil {
			return err
		}
		ctx, err = s.sign(ctx, digest, requestTime)
		if err != nil {
			return err
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

func (s *Signer) StreamClientInterceptor() grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		requestTime := s.now().Unix()
		ctx, err := s.sign(ctx, StreamDigest(method, requestTime), requestTime)
		if err != nil {
			return nil, err
		}
		return streamer(ctx, desc, cc, method, opts...)
	}
}

// Authenticator admits requests signed by a trusted peer key. With no
// trusted keys every request is admitted.
type Authenticator struct {
	trusted map[string]bool
	maxSkew time.Duration
	now     func() time.Time
}

func NewAuthenticator(trustedKeys []string, maxSkew time.Duration) *Authenticator {
	trusted := make(map[string]bool, len(trustedKeys))
	for _, k := range trustedKeys {
		trusted[strings.ToLower(strings.TrimSpace(k))] = true
	}
	return &Authenticator{trusted: trusted, maxSkew: maxSkew, now: time.Now}
}

func (a *Authenticator) Enabled() bool {
	return len(a.trusted) > 0
}

// Authenticate verifies the signature headers against digest and returns a
// context carrying the caller's public key.
func (a *Authenticator) Authenticate(ctx context.Context, digest func(requestTime int64) (string, error)) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, fmt.Errorf("could not read request metadata")
	}
	times := md.Get(RequestTimeHeader)
	signatures := md.Get(SignatureHeader)
	if len(times) != 1 || len(signatures) != 1 {
		return nil, fmt.Errorf("missing request signature")
	}
	requestTime, err := strconv.ParseInt(times[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid request time: %w", err)
	}
	skew := a.now().Sub(time.Unix(requestTime, 0))
	if skew > a.maxSkew || skew < -a.maxSkew {
		return nil, fmt.Errorf("request time is %v off", skew)
	}
	toVerify, err := digest(requestTime)
	if err != nil {
		return nil, err
	}
	pubkey, err := VerifyMessage([]byte(toVerify), signatures[0])
	if err != nil {
		return nil, err
	}
	key := hex.EncodeToString(pubkey.SerializeCompressed())
	if !a.trusted[key] {
		return nil, fmt.Errorf("untrusted peer key %v", key)
	}
	return context.WithValue(ctx, PEER_PUBKEY_CONTEXT_KEY, key), nil
}

func (a *Authenticator) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if !a.Enabled() {
			return handler(ctx, req)
		}
		c, err := a.Authenticate(ctx, func(requestTime int64) (string, error) {
			return RequestDigest(info.FullMethod, req, requestTime)
		})
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		return handler(c, req)
	}
}

type authenticatedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authenticatedStream) Context() context.Context {
	return s.ctx
}

func (a *Authenticator) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if !a.Enabled() {
			return handler(srv, ss)
		}
		c, err := a.Authenticate(ss.Context(), func(requestTime int64) (string, error) {
			return StreamDigest(info.FullMethod, requestTime), nil
		})
		if err != nil {
			return status.Error(codes.Unauthenticated, err.Error())
		}
		return handler(srv, &authenticatedStream{ServerStream: ss, ctx: c})
	}
}

func SignMessage(key *btcec.PrivateKey, msg []byte) (string, error) {
	message := append(append([]byte{}, SignedMsgPrefix...), msg...)
	digest := chainhash.DoubleHashB(message)
	signture, err := ecdsa.SignCompact(key, digest, true)
	if err != nil {
		return "", fmt.Errorf("failed to sign message: %v", err)
	}
	sig := zbase32.EncodeToString(signture)
	return sig, nil
}

func VerifyMessage(message []byte, signature string) (*btcec.PublicKey, error) {
	// The signature should be zbase32 encoded
	sig, err := zbase32.DecodeString(signature)
	if err != nil {
		return nil, fmt.Errorf("failed to decode signature: %v", err)
	}

	msg := append(append([]byte{}, SignedMsgPrefix...), message...)
	first := sha256.Sum256(msg)
	second := sha256.Sum256(first[:])
	pubkey, wasCompressed, err := ecdsa.RecoverCompact(
		sig,
		second[:],
	)
	if err != nil {
		return nil, ErrInvalidSignature
	}

	if !wasCompressed {
		return nil, ErrInvalidSignature
	}

	return pubkey, nil
}
