package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"paket/escrow"
	"paket/gateway/auth"
	"paket/gateway/metrics"
	"paket/gateway/validate"
	"paket/ledger"
	"paket/observability/logging"
	"paket/storage"
)

const maxRequestBody = 1 << 20 // 1 MiB

// Server is the HTTP front-end for the paket gateway.
type Server struct {
	cfg       Config
	logger    *slog.Logger
	auth      *auth.Authenticator
	validator *validate.Validator
	protocol  *escrow.Protocol
	store     *storage.SQLiteStore
	ledger    ledger.Client
	asset     ledger.Asset
	recorder  *metrics.Recorder
}

func NewServer(cfg Config, authenticator *auth.Authenticator, protocol *escrow.Protocol, store *storage.SQLiteStore, client ledger.Client, asset ledger.Asset, recorder *metrics.Recorder, logger *slog.Logger) *Server {
	if authenticator == nil {
		panic("authenticator required")
	}
	if protocol == nil {
		panic("escrow protocol required")
	}
	if store == nil {
		panic("store required")
	}
	if client == nil {
		panic("ledger client required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.NewRecorder(metrics.Config{}, logger)
	}
	var resolver validate.Resolver
	if cfg.Debug {
		// Callsign resolution is a sandbox convenience only; production
		// callers must present real addresses.
		resolver = func(ctx context.Context, callsign string) (string, error) {
			user, err := store.GetUserByCallsign(ctx, callsign)
			if err != nil {
				return "", err
			}
			return user.Pubkey, nil
		}
	}
	return &Server{
		cfg:       cfg,
		logger:    logger,
		auth:      authenticator,
		validator: validate.NewValidator(resolver),
		protocol:  protocol,
		store:     store,
		ledger:    client,
		asset:     asset,
		recorder:  recorder,
	}
}

// Router assembles the versioned route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", s.recorder.Handler())

	post := func(route string, h http.HandlerFunc) {
		r.With(s.recorder.Middleware(route)).Post(route, h)
	}
	get := func(route string, h http.HandlerFunc) {
		r.With(s.recorder.Middleware(route)).Get(route, h)
	}

	post("/v1/balance", s.handleBalance)
	post("/v1/prepare_send_buls", s.handlePrepareSendBuls)
	post("/v1/send_buls", s.handleSendBuls)
	post("/v1/launch_package", s.handleLaunchPackage)
	post("/v1/accept_package", s.handleAcceptPackage)
	post("/v1/relay_package", s.handleRelayPackage)
	post("/v1/refund_package", s.handleRefundPackage)
	post("/v1/package", s.handlePackage)
	post("/v1/my_packages", s.handleMyPackages)
	post("/v1/register_user", s.handleRegisterUser)
	post("/v1/recover_user", s.handleRecoverUser)
	post("/v1/price", s.handlePrice)
	get("/v1/users", s.handleListUsers)
	get("/v1/packages", s.handleListPackages)

	return r
}

// authenticate parses the form parameters and runs the full credential,
// signature, fingerprint, and nonce pipeline for the route.
func (s *Server) authenticate(r *http.Request, route string) (*auth.Principal, url.Values, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxRequestBody)
	if err := r.ParseForm(); err != nil {
		return nil, nil, &badRequestError{reason: "malformed form body"}
	}
	principal, err := s.auth.Authenticate(r.Context(), route, r.Form,
		r.Header.Get(auth.HeaderPubkey),
		r.Header.Get(auth.HeaderFingerprint),
		r.Header.Get(auth.HeaderSignature))
	if err != nil {
		s.logger.Info("request rejected",
			"route", route,
			logging.MaskField("pubkey", r.Header.Get(auth.HeaderPubkey)),
			logging.MaskField("fingerprint", r.Header.Get(auth.HeaderFingerprint)),
			"error", err.Error())
		return nil, nil, err
	}
	return principal, r.Form, nil
}

func (s *Server) apply(r *http.Request, params url.Values, schema validate.Schema) (*validate.Values, error) {
	return s.validator.Apply(r.Context(), schema, params)
}

// --- wallet ---

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	principal, _, err := s.authenticate(r, "/v1/balance")
	if err != nil {
		s.writeError(w, err)
		return
	}
	balance, err := s.ledger.BalanceOf(r.Context(), principal.Pubkey, s.asset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeResponse(w, http.StatusOK, map[string]interface{}{"available_buls": balance})
}

func (s *Server) handlePrepareSendBuls(w http.ResponseWriter, r *http.Request) {
	principal, params, err := s.authenticate(r, "/v1/prepare_send_buls")
	if err != nil {
		s.writeError(w, err)
		return
	}
	values, err := s.apply(r, params, validate.Schema{
		"to_pubkey":   validate.Required(validate.PublicKey),
		"amount_buls": validate.Required(validate.Amount),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	seq, err := s.ledger.AccountSequence(r.Context(), principal.Pubkey)
	if err != nil {
		s.writeError(w, err)
		return
	}
	tx := ledger.Transaction{
		Source:   principal.Pubkey,
		Sequence: seq + 1,
		Operations: []ledger.Operation{
			ledger.PaymentOp(values.Address("to_pubkey").String(), s.asset, values.Amount("amount_buls")),
		},
	}
	s.writeResponse(w, http.StatusOK, map[string]interface{}{
		"transaction": tx,
		"hash":        tx.HashHex(),
	})
}

func (s *Server) handleSendBuls(w http.ResponseWriter, r *http.Request) {
	_, params, err := s.authenticate(r, "/v1/send_buls")
	if err != nil {
		s.writeError(w, err)
		return
	}
	values, err := s.apply(r, params, validate.Schema{
		"envelope": validate.Required(validate.Raw),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	env, err := decodeEnvelope(values.Raw("envelope"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	receipt, err := s.ledger.Submit(r.Context(), env)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeResponse(w, http.StatusOK, map[string]interface{}{"receipt": receipt})
}

// --- packages ---

func (s *Server) handleLaunchPackage(w http.ResponseWriter, r *http.Request) {
	principal, params, err := s.authenticate(r, "/v1/launch_package")
	if err != nil {
		s.writeError(w, err)
		return
	}
	values, err := s.apply(r, params, validate.Schema{
		"recipient_pubkey":   validate.Required(validate.PublicKey),
		"courier_pubkey":     validate.Required(validate.PublicKey),
		"deadline_timestamp": validate.Required(validate.Timestamp),
		"payment_buls":       validate.Required(validate.Amount),
		"collateral_buls":    validate.Required(validate.Amount),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	inst, err := s.protocol.Launch(r.Context(),
		principal.Pubkey,
		values.Address("recipient_pubkey").String(),
		values.Address("courier_pubkey").String(),
		values.Timestamp("deadline_timestamp"),
		values.Amount("payment_buls"),
		values.Amount("collateral_buls"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	refund, err := encodeEnvelope(inst.Refund)
	if err != nil {
		s.writeError(w, err)
		return
	}
	payout, err := encodeEnvelope(inst.Payout)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeResponse(w, http.StatusCreated, map[string]interface{}{
		"package":         s.packageView(inst),
		"escrow_address":  inst.EscrowAccount,
		"refund_envelope": refund,
		"payout_envelope": payout,
	})
}

func (s *Server) handleAcceptPackage(w http.ResponseWriter, r *http.Request) {
	principal, params, err := s.authenticate(r, "/v1/accept_package")
	if err != nil {
		s.writeError(w, err)
		return
	}
	values, err := s.apply(r, params, validate.Schema{
		"paket_id":         validate.Required(validate.Raw),
		"payment_envelope": validate.Optional(validate.Raw),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	var payout *ledger.Envelope
	if values.Has("payment_envelope") {
		if payout, err = decodeEnvelope(values.Raw("payment_envelope")); err != nil {
			s.writeError(w, err)
			return
		}
	}
	if err := s.protocol.Accept(r.Context(), principal.Pubkey, values.Raw("paket_id"), payout); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeResponse(w, http.StatusOK, map[string]interface{}{})
}

func (s *Server) handleRelayPackage(w http.ResponseWriter, r *http.Request) {
	principal, params, err := s.authenticate(r, "/v1/relay_package")
	if err != nil {
		s.writeError(w, err)
		return
	}
	values, err := s.apply(r, params, validate.Schema{
		"paket_id":           validate.Required(validate.Raw),
		"custodian_pubkey":   validate.Required(validate.PublicKey),
		"relay_payment_buls": validate.Optional(validate.Amount),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	promise, err := s.protocol.Relay(r.Context(), principal.Pubkey,
		values.Raw("paket_id"),
		values.Address("custodian_pubkey").String(),
		values.Amount("relay_payment_buls"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	payload := map[string]interface{}{}
	if promise != nil {
		payload["relay_payment"] = promise
	}
	s.writeResponse(w, http.StatusOK, payload)
}

func (s *Server) handleRefundPackage(w http.ResponseWriter, r *http.Request) {
	_, params, err := s.authenticate(r, "/v1/refund_package")
	if err != nil {
		s.writeError(w, err)
		return
	}
	values, err := s.apply(r, params, validate.Schema{
		"paket_id":        validate.Required(validate.Raw),
		"refund_envelope": validate.Optional(validate.Raw),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	var refund *ledger.Envelope
	if values.Has("refund_envelope") {
		if refund, err = decodeEnvelope(values.Raw("refund_envelope")); err != nil {
			s.writeError(w, err)
			return
		}
	}
	if err := s.protocol.Refund(r.Context(), values.Raw("paket_id"), refund); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeResponse(w, http.StatusOK, map[string]interface{}{})
}

func (s *Server) handlePackage(w http.ResponseWriter, r *http.Request) {
	_, params, err := s.authenticate(r, "/v1/package")
	if err != nil {
		s.writeError(w, err)
		return
	}
	values, err := s.apply(r, params, validate.Schema{
		"paket_id": validate.Required(validate.Raw),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	inst, err := s.store.GetPackage(r.Context(), values.Raw("paket_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeResponse(w, http.StatusOK, map[string]interface{}{"package": s.packageView(inst)})
}

func (s *Server) handleMyPackages(w http.ResponseWriter, r *http.Request) {
	principal, _, err := s.authenticate(r, "/v1/my_packages")
	if err != nil {
		s.writeError(w, err)
		return
	}
	instances, err := s.store.ListPackagesByMember(r.Context(), principal.Pubkey)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeResponse(w, http.StatusOK, map[string]interface{}{"packages": s.packageViews(instances)})
}

// --- users ---

func (s *Server) handleRegisterUser(w http.ResponseWriter, r *http.Request) {
	principal, params, err := s.authenticate(r, "/v1/register_user")
	if err != nil {
		s.writeError(w, err)
		return
	}
	values, err := s.apply(r, params, validate.Schema{
		"call_sign":    validate.Required(validate.Raw),
		"full_name":    validate.Optional(validate.Raw),
		"phone_number": validate.Optional(validate.Raw),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	user := storage.User{
		Pubkey:      principal.Pubkey,
		Callsign:    values.Raw("call_sign"),
		FullName:    values.Raw("full_name"),
		PhoneNumber: values.Raw("phone_number"),
	}
	existing, err := s.store.GetUser(r.Context(), principal.Pubkey)
	switch {
	case err == nil:
		// Re-registration refreshes contact details. The callsign is fixed
		// at first registration; presenting a different one is a conflict.
		if existing.Callsign != user.Callsign {
			s.writeError(w, storage.ErrDuplicateUser)
			return
		}
		if err := s.store.UpdateUserDetails(r.Context(), principal.Pubkey, user.FullName, user.PhoneNumber); err != nil {
			s.writeError(w, err)
			return
		}
		s.writeResponse(w, http.StatusOK, map[string]interface{}{"user": user})
	case errors.Is(err, storage.ErrUnknownUser):
		if err := s.store.CreateUser(r.Context(), user); err != nil {
			s.writeError(w, err)
			return
		}
		s.writeResponse(w, http.StatusCreated, map[string]interface{}{"user": user})
	default:
		s.writeError(w, err)
	}
}

func (s *Server) handleRecoverUser(w http.ResponseWriter, r *http.Request) {
	principal, _, err := s.authenticate(r, "/v1/recover_user")
	if err != nil {
		s.writeError(w, err)
		return
	}
	user, err := s.store.GetUser(r.Context(), principal.Pubkey)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeResponse(w, http.StatusOK, map[string]interface{}{"user": user})
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	s.writeResponse(w, http.StatusOK, map[string]interface{}{
		"buy_price":  s.cfg.PurchasePrice,
		"sell_price": s.cfg.SalePrice,
		"asset_code": s.asset.Code,
	})
}

// --- debug listings ---

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Debug {
		s.writeErrorStatus(w, http.StatusNotFound, "not found", "")
		return
	}
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeResponse(w, http.StatusOK, map[string]interface{}{"users": users})
}

func (s *Server) handleListPackages(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Debug {
		s.writeErrorStatus(w, http.StatusNotFound, "not found", "")
		return
	}
	instances, err := s.store.ListPackages(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeResponse(w, http.StatusOK, map[string]interface{}{"packages": s.packageViews(instances)})
}

// --- views and envelope plumbing ---

// packageView is the JSON shape packages are reported in, enriched with
// shareable URLs.
type packageView struct {
	PaketID       string `json:"paket_id"`
	EscrowAccount string `json:"escrow_account"`
	Launcher      string `json:"launcher_pubkey"`
	Recipient     string `json:"recipient_pubkey"`
	Custodian     string `json:"custodian_pubkey"`
	Deadline      int64  `json:"deadline_timestamp"`
	Payment       uint64 `json:"payment_buls"`
	Collateral    uint64 `json:"collateral_buls"`
	State         string `json:"state"`
	CreatedAt     int64  `json:"created_at"`
	PaketURL      string `json:"paket_url"`
	ExplorerURL   string `json:"explorer_url"`
}

func (s *Server) packageView(inst *escrow.Instance) packageView {
	return packageView{
		PaketID:       inst.PaketID,
		EscrowAccount: inst.EscrowAccount,
		Launcher:      inst.Launcher,
		Recipient:     inst.Recipient,
		Custodian:     inst.Custodian,
		Deadline:      inst.Deadline,
		Payment:       inst.Payment,
		Collateral:    inst.Collateral,
		State:         inst.State.String(),
		CreatedAt:     inst.CreatedAt,
		PaketURL:      s.cfg.PaketURLPrefix + inst.PaketID,
		ExplorerURL:   s.cfg.ExplorerURLPrefix + inst.EscrowAccount,
	}
}

func (s *Server) packageViews(instances []*escrow.Instance) []packageView {
	views := make([]packageView, 0, len(instances))
	for _, inst := range instances {
		views = append(views, s.packageView(inst))
	}
	return views
}

// Envelopes travel base64-encoded in form parameters so their JSON bodies
// stay clear of the fingerprint codec's reserved characters.
func encodeEnvelope(env *ledger.Envelope) (string, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decodeEnvelope(encoded string) (*ledger.Envelope, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &badRequestError{reason: "envelope is not valid base64"}
	}
	env := new(ledger.Envelope)
	if err := json.Unmarshal(raw, env); err != nil {
		return nil, &badRequestError{reason: "envelope is not a valid transaction envelope"}
	}
	return env, nil
}

type badRequestError struct {
	reason string
}

func (e *badRequestError) Error() string { return e.reason }

// --- response envelope ---

func (s *Server) writeResponse(w http.ResponseWriter, status int, payload map[string]interface{}) {
	payload["status"] = status
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write response", "error", err.Error())
	}
}

func (s *Server) writeErrorStatus(w http.ResponseWriter, status int, message, outcome string) {
	payload := map[string]interface{}{
		"status": status,
		"error":  message,
	}
	if outcome != "" {
		payload["outcome"] = outcome
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write response", "error", err.Error())
	}
}

// writeError maps the layered error taxonomy onto the wire statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, message, outcome := s.classify(err)
	s.writeErrorStatus(w, status, message, outcome)
}

func (s *Server) classify(err error) (int, string, string) {
	var authErr *auth.Error
	if errors.As(err, &authErr) {
		if s.cfg.Debug {
			return http.StatusForbidden, authErr.Error(), ""
		}
		return http.StatusForbidden, "request authentication failed", ""
	}
	var fieldErr *validate.InvalidFieldError
	if errors.As(err, &fieldErr) {
		return http.StatusBadRequest, fieldErr.Error(), ""
	}
	var badReq *badRequestError
	if errors.As(err, &badReq) {
		return http.StatusBadRequest, badReq.reason, ""
	}

	switch {
	case errors.Is(err, escrow.ErrUnknownPackage),
		errors.Is(err, storage.ErrUnknownUser),
		errors.Is(err, ledger.ErrAccountNotFound):
		return http.StatusNotFound, err.Error(), ""
	case errors.Is(err, storage.ErrDuplicateUser),
		errors.Is(err, escrow.ErrTerminalState):
		return http.StatusConflict, err.Error(), ""
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusPaymentRequired, err.Error(), ""
	case errors.Is(err, escrow.ErrNotCustodian):
		return http.StatusForbidden, err.Error(), ""
	case errors.Is(err, escrow.ErrAmountOverflow),
		errors.Is(err, escrow.ErrTooEarly),
		errors.Is(err, escrow.ErrEnvelopeMismatch),
		errors.Is(err, escrow.ErrMissingEnvelope),
		errors.Is(err, ledger.ErrNoTrustline),
		errors.Is(err, ledger.ErrBadSequence),
		errors.Is(err, ledger.ErrTxTooEarly),
		errors.Is(err, ledger.ErrNotAuthorized):
		return http.StatusBadRequest, err.Error(), ""
	case errors.Is(err, escrow.ErrRelayPaymentUnsupported):
		return http.StatusNotImplemented, err.Error(), ""
	case errors.Is(err, escrow.ErrSubmissionTimedOut):
		return http.StatusInternalServerError, err.Error(), "unknown"
	}
	var subErr *escrow.SubmissionError
	if errors.As(err, &subErr) {
		return http.StatusInternalServerError, subErr.Error(), "rejected"
	}

	s.logger.Error("unexpected failure", "error", err.Error())
	if s.cfg.Debug {
		return http.StatusInternalServerError, err.Error(), ""
	}
	return http.StatusInternalServerError, "internal server error", ""
}
