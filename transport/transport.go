// Package transport implements spec.md's `Transport` external
// collaborator: JSON-RPC 2.0 carried over HTTP, CORS enabled, with every
// request and response wrapped in the signed envelope of package msgauth
// (spec.md §4.2, §6). Bandwidth is capped at the raw connection level via
// gitlab.com/NebulousLabs/ratelimit, matching how the teacher's own stack
// rate-limits storage-proof traffic below the HTTP layer rather than
// inside it.
package transport

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"
	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/fastrand"
	"gitlab.com/NebulousLabs/log"
	"gitlab.com/NebulousLabs/ratelimit"

	"gitlab.com/shardnet/shardd/contact"
	"gitlab.com/shardnet/shardd/identity"
	"gitlab.com/shardnet/shardd/msgauth"
	"gitlab.com/shardnet/shardd/rpcerr"
)

const (
	jsonRPCVersion = "2.0"
	rpcPath        = "/rpc"
)

// Request is the JSON-RPC 2.0 request envelope. Params always carries the
// reserved __nonce/__signature fields in addition to the method's own
// fields (spec.md §6).
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// RPCErrorBody is the JSON-RPC error object.
type RPCErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Response is the JSON-RPC 2.0 response envelope. Result carries the
// reserved __nonce/__signature fields alongside the method's own result
// fields, even on an error response, since the response is signed either
// way (spec.md §4.2: "requests and responses are signed identically and
// symmetrically").
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCErrorBody   `json:"error,omitempty"`
}

// signedEnvelope is the minimal shape transport needs out of an inbound
// params object: the nonce/signature pair plus the claimed sender
// contact every method in spec.md §4.5 carries.
type signedEnvelope struct {
	msgauth.Envelope
	Contact contact.Contact `json:"contact"`
}

// attachEnvelope merges env's reserved fields into a marshaled JSON
// object, used on both the outbound (params) and inbound (result) sides
// of the wire so the rest of the codebase can keep method-specific params
// and result types free of __nonce/__signature fields.
func attachEnvelope(raw []byte, env msgauth.Envelope) ([]byte, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.AddContext(err, "unable to decode object to attach envelope to")
	}
	m["__nonce"] = env.Nonce
	m["__signature"] = env.Signature
	return json.Marshal(m)
}

func newMsgID() string {
	return hex.EncodeToString(fastrand.Bytes(16))
}

// Handler serves one RPC method. peer is the caller's contact exactly as
// it appeared in params, already authenticated: msgauth.Verify has
// already confirmed peer.NodeID is who actually signed this request.
type Handler func(ctx context.Context, peer contact.Contact, params json.RawMessage) (interface{}, error)

// SetBandwidthLimits configures the process-wide bandwidth cap applied to
// every connection a Server accepts; Client's outbound connections are
// not limited.
// gitlab.com/NebulousLabs/ratelimit keeps this limit as package-level
// state rather than per-instance, so this mirrors that shape.
func SetBandwidthLimits(downloadBps, uploadBps int64, packetSize uint64) {
	ratelimit.SetLimits(downloadBps, uploadBps, packetSize)
}

// ratelimitedConn wraps a net.Conn so its Read/Write go through the
// process-wide rate limiter configured by SetBandwidthLimits.
type ratelimitedConn struct {
	net.Conn
	rl interface {
		Read([]byte) (int, error)
		Write([]byte) (int, error)
	}
}

func (c *ratelimitedConn) Read(b []byte) (int, error)  { return c.rl.Read(b) }
func (c *ratelimitedConn) Write(b []byte) (int, error) { return c.rl.Write(b) }

type ratelimitedListener struct {
	net.Listener
}

func (l *ratelimitedListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return &ratelimitedConn{Conn: conn, rl: ratelimit.NewRLReadWriter(conn)}, nil
}

// Server is the HTTP JSON-RPC 2.0 endpoint every node exposes.
type Server struct {
	self     *identity.KeyPair
	book     *contact.Book
	log      *log.Logger
	handlers map[string]Handler

	authFailureHook func(contact.Contact, error)
	replayGuard     *msgauth.ReplayGuard

	listener net.Listener
	httpSrv  *http.Server
}

// OnAuthFailure registers hook to be called whenever an inbound request's
// signature fails msgauth.Verify, with the (unverified) contact the
// request claimed and the verification error. The node façade uses this
// to drive the auth_failures metric spec.md §8 S6 requires (see
// DESIGN.md, node entry).
func (s *Server) OnAuthFailure(hook func(contact.Contact, error)) {
	s.authFailureHook = hook
}

// EnableStrictReplay turns on the opt-in per-sender nonce high-watermark
// check (spec.md §9, SPEC_FULL's StrictReplay flag): once enabled, a
// request whose nonce does not exceed the highest one previously accepted
// from the same node id is treated the same as an authentication failure,
// closing the replay-within-the-freshness-window gap NonceExpire alone
// leaves open. Off by default to match spec.md §4.2/§9's described v1
// behavior.
func (s *Server) EnableStrictReplay() {
	s.replayGuard = msgauth.NewReplayGuard()
}

// NewServer returns a Server that signs responses with self and caches
// verified callers' public keys in book.
func NewServer(self *identity.KeyPair, book *contact.Book, logger *log.Logger) *Server {
	return &Server{self: self, book: book, log: logger, handlers: make(map[string]Handler)}
}

// Handle registers h to serve method.
func (s *Server) Handle(method string, h Handler) {
	s.handlers[method] = h
}

// Listen binds addr and begins serving in the background.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.AddContext(err, "unable to bind transport listener")
	}
	s.listener = &ratelimitedListener{Listener: ln}

	router := httprouter.New()
	router.POST(rpcPath, s.handleRPC)
	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(router)

	s.httpSrv = &http.Server{Handler: handler}
	go func() {
		if err := s.httpSrv.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			s.log.Println("transport server stopped:", err)
		}
	}()
	return nil
}

// Addr returns the listener's bound address, useful when Listen was
// called with port 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close shuts the server down, waiting for in-flight requests to finish
// or fail (spec.md §5: leave() waits for in-flight sends to complete).
func (s *Server) Close() error {
	if s.httpSrv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}

	var signed signedEnvelope
	if err := json.Unmarshal(req.Params, &signed); err != nil {
		http.Error(w, "malformed params", http.StatusBadRequest)
		return
	}

	verified, err := msgauth.Verify(signed.Envelope, req.ID, signed.Contact.NodeID, time.Now())
	if err != nil {
		// Authentication failures are dropped silently on the wire
		// (spec.md §7): no method handler runs, no signed response is
		// produced, the caller only sees an unauthorized status.
		s.log.Debugln("rejecting inbound rpc:", req.Method, err)
		if s.authFailureHook != nil {
			s.authFailureHook(signed.Contact, err)
		}
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	s.book.Cache(verified.NodeID, verified.CompressedPubKey)

	if s.replayGuard != nil && !s.replayGuard.Allow(verified.NodeID, signed.Nonce) {
		s.log.Debugln("rejecting replayed rpc:", req.Method, verified.NodeID)
		if s.authFailureHook != nil {
			s.authFailureHook(signed.Contact, msgauth.ErrReplayed)
		}
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	h, ok := s.handlers[req.Method]
	if !ok {
		s.writeResponse(w, req.ID, nil, errors.New("unknown method: "+req.Method))
		return
	}
	result, herr := h(r.Context(), signed.Contact, req.Params)
	s.writeResponse(w, req.ID, result, herr)
}

func (s *Server) writeResponse(w http.ResponseWriter, msgID string, result interface{}, herr error) {
	resp := Response{JSONRPC: jsonRPCVersion, ID: msgID}
	if herr != nil {
		resp.Error = &RPCErrorBody{Code: 1, Message: herr.Error()}
		result = map[string]interface{}{}
	}
	raw, err := json.Marshal(result)
	if err != nil {
		raw = []byte("{}")
	}
	env, err := msgauth.Sign(s.self, msgID, time.Now())
	if err != nil {
		http.Error(w, "unable to sign response", http.StatusInternalServerError)
		return
	}
	signedRaw, err := attachEnvelope(raw, env)
	if err != nil {
		http.Error(w, "unable to encode response", http.StatusInternalServerError)
		return
	}
	resp.Result = signedRaw
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Println("failed to write rpc response:", err)
	}
}

// Client sends signed RPCs to remote peers (spec.md §4.2 outbound hook).
type Client struct {
	self *identity.KeyPair
	http *http.Client
}

// NewClient returns a Client that signs outbound messages with self.
func NewClient(self *identity.KeyPair) *Client {
	return &Client{self: self, http: &http.Client{Timeout: 30 * time.Second}}
}

// Send issues method against peer with the given params (which must
// marshal to a JSON object; callers conventionally embed a `contact`
// field carrying their own Contact, per every method table in spec.md
// §4.5) and returns the verified result payload.
func (c *Client) Send(ctx context.Context, peer contact.Contact, method string, params interface{}) (json.RawMessage, error) {
	msgID := newMsgID()
	paramsRaw, err := json.Marshal(params)
	if err != nil {
		return nil, errors.AddContext(err, "unable to encode rpc params")
	}
	env, err := msgauth.Sign(c.self, msgID, time.Now())
	if err != nil {
		return nil, errors.AddContext(err, "unable to sign outbound rpc")
	}
	signedParams, err := attachEnvelope(paramsRaw, env)
	if err != nil {
		return nil, err
	}

	req := Request{JSONRPC: jsonRPCVersion, ID: msgID, Method: method, Params: signedParams}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.AddContext(err, "unable to encode rpc request")
	}

	url := fmt.Sprintf("http://%s%s", peer.HostPort(), rpcPath)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.AddContext(err, "unable to build http request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, errors.Extend(err, rpcerr.ErrTransport)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode == http.StatusUnauthorized {
		return nil, errors.Extend(errors.New("peer rejected our signature"), rpcerr.ErrTransport)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, errors.Extend(errors.New(httpResp.Status), rpcerr.ErrTransport)
	}

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, errors.Extend(err, rpcerr.ErrBadResponse)
	}

	var signed msgauth.Envelope
	if err := json.Unmarshal(resp.Result, &signed); err != nil {
		return nil, errors.Extend(err, rpcerr.ErrBadResponse)
	}
	if _, err := msgauth.Verify(signed, msgID, peer.NodeID, time.Now()); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, errors.AddContext(errors.New(resp.Error.Message), "rpc "+method+" failed")
	}
	return resp.Result, nil
}
