package sip

import (
	"bytes"
	"context"
	"errors"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"

	"trunkgw-server/pkg/metrics"
)

// allowedMethods is what the gateway advertises and relays. Everything else
// is rejected with 405 and never reaches the downstream provider.
const allowedMethods = "INVITE, ACK, CANCEL, BYE, PRACK, UPDATE"

// SetupHandlers registers all the SIP handlers
func (h *Handler) SetupHandlers() {
	h.Server.OnRequest(sip.INVITE, h.recoverMiddleware(func(req *sip.Request, tx sip.ServerTransaction) {
		var toTag string
		if to := req.To(); to != nil {
			toTag, _ = to.Params.Get("tag")
		}
		if toTag != "" {
			// In-dialog re-INVITE, relayed like any other mid-call request
			h.handleInDialog(req, tx)
		} else {
			h.handleInvite(req, tx)
		}
	}))

	h.Server.OnRequest(sip.ACK, h.recoverMiddleware(func(req *sip.Request, tx sip.ServerTransaction) {
		h.handleAck(req)
	}))

	h.Server.OnRequest(sip.CANCEL, h.recoverMiddleware(func(req *sip.Request, tx sip.ServerTransaction) {
		h.handleCancel(req, tx)
	}))

	h.Server.OnRequest(sip.BYE, h.recoverMiddleware(func(req *sip.Request, tx sip.ServerTransaction) {
		h.handleBye(req, tx)
	}))

	h.Server.OnRequest(sip.PRACK, h.recoverMiddleware(func(req *sip.Request, tx sip.ServerTransaction) {
		h.handleInDialog(req, tx)
	}))

	h.Server.OnRequest(sip.UPDATE, h.recoverMiddleware(func(req *sip.Request, tx sip.ServerTransaction) {
		h.handleInDialog(req, tx)
	}))

	// The gateway is a signaling relay for calls, nothing else. OPTIONS,
	// REGISTER, SUBSCRIBE and the rest are refused outright rather than
	// relayed to the provider.
	for _, method := range []sip.RequestMethod{
		sip.OPTIONS, sip.REGISTER, sip.SUBSCRIBE, sip.NOTIFY,
		sip.INFO, sip.MESSAGE, sip.REFER, sip.PUBLISH,
	} {
		h.Server.OnRequest(method, h.recoverMiddleware(h.handleUnsupported))
	}
}

// handleInvite relays an initial INVITE to the downstream provider and
// relays exactly one final response back upstream.
func (h *Handler) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	if err := h.validateRequest(req); err != nil {
		h.Logger.WithError(err).WithField("source", req.Source()).Warn("Rejecting malformed INVITE")
		h.respond(tx, sip.NewResponseFromRequest(req, 400, "Bad Request", nil))
		metrics.RecordSIPRequest("INVITE", "rejected")
		return
	}

	callID := req.CallID().Value()
	logger := h.Logger.WithFields(logrus.Fields{
		"call_id": callID,
		"method":  "INVITE",
	})

	// Admission and the slot claim are one atomic step so two INVITEs
	// racing at the limit cannot both get through.
	if current := h.activeCalls.Add(1); h.Config.MaxConcurrentCalls > 0 && int(current) > h.Config.MaxConcurrentCalls {
		h.activeCalls.Add(-1)
		logger.Warn("Concurrent call limit reached, rejecting INVITE")
		h.respond(tx, sip.NewResponseFromRequest(req, 503, "Service Unavailable", nil))
		metrics.RecordSIPRequest("INVITE", "over_capacity")
		return
	}
	defer h.activeCalls.Add(-1)
	metrics.AddActiveCalls(1)
	defer metrics.AddActiveCalls(-1)
	observeSetup := metrics.ObserveCallSetup()

	dialog := h.Dialogs.Register(callID, req.Source(), h.Config.DownstreamAddress)

	body := h.Negotiator.Negotiate(req.Body())
	if len(body) > 0 {
		outcome := "passthrough"
		if !bytes.Equal(body, req.Body()) {
			outcome = "rewritten"
		}
		metrics.RecordSDPNegotiation(outcome)
	}

	final := h.relayToDownstream(logger, req, tx, dialog, body)
	if final == nil {
		// No final response could be produced (upstream gave up or the
		// transaction died); nothing further to send.
		h.Dialogs.Remove(callID)
		observeSetup("aborted")
		metrics.RecordSIPRequest("INVITE", "aborted")
		return
	}

	h.respond(tx, final)
	metrics.RecordSIPResponse(int(final.StatusCode))

	if final.StatusCode >= 200 && final.StatusCode < 300 {
		observeSetup("answered")
		metrics.RecordSIPRequest("INVITE", "answered")
		logger.WithField("status", final.StatusCode).Info("Call established")
	} else {
		h.Dialogs.Remove(callID)
		observeSetup("failed")
		metrics.RecordSIPRequest("INVITE", "failed")
		logger.WithField("status", final.StatusCode).Info("Call failed")
	}
}

// relayToDownstream drives the downstream INVITE attempts, handling digest
// challenges up to the configured retry cap. It returns the final response
// to send upstream, or nil when the upstream transaction is gone.
func (h *Handler) relayToDownstream(logger *logrus.Entry, req *sip.Request, tx sip.ServerTransaction, dialog *Dialog, body []byte) *sip.Response {
	seqNo := req.CSeq().SeqNo
	var authHeader sip.Header

	for attempt := 0; ; attempt++ {
		invite, err := h.buildDownstreamInvite(req, body, seqNo, authHeader)
		if err != nil {
			logger.WithError(err).Error("Failed to build downstream INVITE")
			return sip.NewResponseFromRequest(req, 500, "Internal Server Error", nil)
		}

		downstream, status := h.sendAndAwaitFinal(logger, invite, req, tx)
		switch status {
		case awaitTimeout:
			metrics.RecordDownstreamTimeout()
			return sip.NewResponseFromRequest(req, 504, "Server Time-out", nil)
		case awaitError:
			return sip.NewResponseFromRequest(req, 500, "Internal Server Error", nil)
		case awaitAborted:
			return nil
		}

		if downstream.StatusCode != 401 && downstream.StatusCode != 407 {
			h.Dialogs.Confirm(dialog.CallID, downstreamToTag(downstream))
			return h.relayedResponse(req, downstream)
		}

		if attempt >= h.Config.MaxChallengeRetries {
			logger.WithField("attempts", attempt+1).Warn("Digest challenge retry cap reached")
			metrics.RecordAuthRetriesExhausted()
			return sip.NewResponseFromRequest(req, 502, "Bad Gateway", nil)
		}

		challenge, headerName := challengeHeader(downstream)
		credentials, err := h.Auth.Authorize(challenge, "INVITE", invite.Recipient.String())
		if err != nil {
			logger.WithError(err).Error("Cannot answer downstream digest challenge")
			metrics.RecordAuthChallenge(h.Config.DownstreamDomain, "unanswerable")
			return sip.NewResponseFromRequest(req, 500, "Internal Server Error", nil)
		}
		metrics.RecordAuthChallenge(h.Config.DownstreamDomain, "answered")

		authHeader = sip.NewHeader(headerName, credentials)
		seqNo++
		logger.WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"status":  downstream.StatusCode,
		}).Debug("Resending INVITE with digest credentials")
	}
}

type awaitStatus int

const (
	awaitFinal awaitStatus = iota
	awaitTimeout
	awaitError
	awaitAborted
)

// sendAndAwaitFinal sends one downstream request attempt and waits for a
// final response, relaying provisionals upstream as they arrive. The
// upstream transaction terminating cancels the downstream leg.
func (h *Handler) sendAndAwaitFinal(logger *logrus.Entry, invite *sip.Request, req *sip.Request, tx sip.ServerTransaction) (*sip.Response, awaitStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), h.Config.ResponseTimeout)
	defer cancel()

	observe := metrics.ObserveDownstreamRequest(string(invite.Method))
	defer observe()

	clientTx, err := h.Client.TransactionRequest(ctx, invite)
	if err != nil {
		logger.WithError(err).Error("Failed to send downstream INVITE")
		return nil, awaitError
	}
	defer clientTx.Terminate()

	for {
		select {
		case <-ctx.Done():
			logger.Warn("Downstream final response timed out")
			h.cancelDownstream(logger, invite)
			return nil, awaitTimeout

		case <-tx.Done():
			logger.Debug("Upstream transaction terminated while awaiting downstream")
			h.cancelDownstream(logger, invite)
			return nil, awaitAborted

		case <-clientTx.Done():
			if err := clientTx.Err(); err != nil {
				logger.WithError(err).Warn("Downstream transaction terminated without final response")
			}
			return nil, awaitError

		case downstream := <-clientTx.Responses():
			if downstream == nil {
				return nil, awaitError
			}
			if downstream.StatusCode < 200 {
				if downstream.StatusCode > 100 {
					h.respond(tx, h.relayedResponse(req, downstream))
					metrics.RecordSIPResponse(int(downstream.StatusCode))
				}
				continue
			}
			return downstream, awaitFinal
		}
	}
}

// cancelDownstream sends a CANCEL matching an in-flight downstream INVITE.
// The Via added by the client transaction is reused so the CANCEL matches
// the INVITE transaction at the provider.
func (h *Handler) cancelDownstream(logger *logrus.Entry, invite *sip.Request) {
	cancel := sip.NewRequest(sip.CANCEL, invite.Recipient)
	cancel.SipVersion = invite.SipVersion
	cancel.SetDestination(h.Config.DownstreamAddress)

	if via := invite.Via(); via != nil {
		viaCopy := *via
		cancel.AppendHeader(&viaCopy)
	}
	for _, header := range invite.Headers() {
		switch strings.ToLower(header.Name()) {
		case "from", "to", "call-id", "max-forwards":
			cancel.AppendHeader(sip.NewHeader(header.Name(), header.Value()))
		}
	}
	if cseq := invite.CSeq(); cseq != nil {
		cancel.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}

	if err := h.Client.WriteRequest(cancel); err != nil {
		logger.WithError(err).Warn("Failed to CANCEL downstream INVITE")
	}
}

// handleInDialog relays a mid-call request (re-INVITE, PRACK, UPDATE, and
// BYE through handleBye) to the opposite leg and relays the final response
// back.
func (h *Handler) handleInDialog(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDValue(req)
	logger := h.Logger.WithFields(logrus.Fields{
		"call_id": callID,
		"method":  req.Method,
	})

	dialog := h.Dialogs.Lookup(callID)
	if dialog == nil {
		logger.Warn("In-dialog request for unknown dialog")
		h.respond(tx, sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		metrics.RecordSIPRequest(string(req.Method), "no_dialog")
		return
	}
	h.Dialogs.Touch(callID)

	destination := dialog.DownstreamAddress
	if !fromUpstream(req, dialog) {
		destination = dialog.UpstreamSource
	}

	forwarded := forwardedRequest(req, destination, false)

	ctx, cancel := context.WithTimeout(context.Background(), h.Config.ResponseTimeout)
	defer cancel()

	observe := metrics.ObserveDownstreamRequest(string(req.Method))
	defer observe()

	clientTx, err := h.Client.TransactionRequest(ctx, forwarded)
	if err != nil {
		logger.WithError(err).Error("Failed to relay in-dialog request")
		h.respond(tx, sip.NewResponseFromRequest(req, 500, "Internal Server Error", nil))
		metrics.RecordSIPRequest(string(req.Method), "relay_error")
		return
	}
	defer clientTx.Terminate()

	for {
		select {
		case <-ctx.Done():
			metrics.RecordDownstreamTimeout()
			h.respond(tx, sip.NewResponseFromRequest(req, 504, "Server Time-out", nil))
			metrics.RecordSIPRequest(string(req.Method), "timeout")
			return

		case <-clientTx.Done():
			h.respond(tx, sip.NewResponseFromRequest(req, 500, "Internal Server Error", nil))
			metrics.RecordSIPRequest(string(req.Method), "relay_error")
			return

		case resp := <-clientTx.Responses():
			if resp == nil {
				h.respond(tx, sip.NewResponseFromRequest(req, 500, "Internal Server Error", nil))
				metrics.RecordSIPRequest(string(req.Method), "relay_error")
				return
			}
			if resp.StatusCode < 200 {
				continue
			}
			h.respond(tx, h.relayedResponse(req, resp))
			metrics.RecordSIPResponse(int(resp.StatusCode))
			metrics.RecordSIPRequest(string(req.Method), "relayed")
			return
		}
	}
}

// handleAck forwards an ACK to the opposite leg. ACK has no response, so
// the relay is fire-and-forget.
func (h *Handler) handleAck(req *sip.Request) {
	callID := callIDValue(req)

	dialog := h.Dialogs.Lookup(callID)
	if dialog == nil {
		// ACK for a negative final is absorbed by the transaction layer;
		// anything else arriving here is stray.
		return
	}
	h.Dialogs.Touch(callID)

	destination := dialog.DownstreamAddress
	if !fromUpstream(req, dialog) {
		destination = dialog.UpstreamSource
	}

	forwarded := forwardedRequest(req, destination, true)
	if err := h.Client.WriteRequest(forwarded); err != nil {
		h.Logger.WithFields(logrus.Fields{
			"call_id": callID,
		}).WithError(err).Warn("Failed to relay ACK")
		return
	}
	metrics.RecordSIPRequest("ACK", "relayed")
}

// handleCancel relays an upstream CANCEL to the downstream leg. The pending
// INVITE relay then picks up the 487 from the provider and sends it
// upstream as the one final response.
func (h *Handler) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDValue(req)
	logger := h.Logger.WithField("call_id", callID)

	dialog := h.Dialogs.Lookup(callID)
	if dialog == nil {
		logger.Warn("CANCEL for unknown call")
		h.respond(tx, sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		metrics.RecordSIPRequest("CANCEL", "no_dialog")
		return
	}

	forwarded := forwardedRequest(req, dialog.DownstreamAddress, true)
	if err := h.Client.WriteRequest(forwarded); err != nil {
		logger.WithError(err).Warn("Failed to relay CANCEL")
	}

	h.respond(tx, sip.NewResponseFromRequest(req, 200, "OK", nil))
	metrics.RecordSIPRequest("CANCEL", "relayed")
	logger.Info("Relayed CANCEL for pending call")
}

// handleBye relays a BYE to the opposite leg and tears the dialog down
func (h *Handler) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDValue(req)

	h.handleInDialog(req, tx)

	if h.Dialogs.Lookup(callID) != nil {
		h.Dialogs.Remove(callID)
		h.Logger.WithField("call_id", callID).Info("Call ended")
	}
}

// handleUnsupported rejects methods the gateway does not relay
func (h *Handler) handleUnsupported(req *sip.Request, tx sip.ServerTransaction) {
	resp := sip.NewResponseFromRequest(req, 405, "Method Not Allowed", nil)
	resp.AppendHeader(sip.NewHeader("Allow", allowedMethods))
	h.respond(tx, resp)

	metrics.RecordSIPRequest(string(req.Method), "unsupported")
	h.Logger.WithFields(logrus.Fields{
		"method": req.Method,
		"source": req.Source(),
	}).Debug("Rejected unsupported method")
}

// validateRequest performs basic validation of SIP requests
func (h *Handler) validateRequest(req *sip.Request) error {
	callID := req.CallID()
	if callID == nil || callID.Value() == "" {
		return errors.New("missing Call-ID")
	}

	from := req.From()
	if from == nil || from.Address.String() == "" {
		return errors.New("invalid From header")
	}

	to := req.To()
	if to == nil || to.Address.String() == "" {
		return errors.New("invalid To header")
	}

	if len(req.Body()) > 1024*1024 {
		return errors.New("request body too large")
	}

	return nil
}

// recoverMiddleware wraps a handler so a panic becomes a 500 instead of
// taking the server down
func (h *Handler) recoverMiddleware(handler func(*sip.Request, sip.ServerTransaction)) func(*sip.Request, sip.ServerTransaction) {
	return func(req *sip.Request, tx sip.ServerTransaction) {
		defer func() {
			if r := recover(); r != nil {
				h.Logger.WithFields(logrus.Fields{
					"call_id": callIDValue(req),
					"method":  req.Method,
					"panic":   r,
				}).Error("Recovered from panic in SIP handler")

				resp := sip.NewResponseFromRequest(req, 500, "Internal Server Error", nil)
				if err := tx.Respond(resp); err != nil {
					h.Logger.WithError(err).Error("Failed to send 500 after panic")
				}
			}
		}()

		handler(req, tx)
	}
}

// respond sends a response on a server transaction, logging failures
func (h *Handler) respond(tx sip.ServerTransaction, resp *sip.Response) {
	if err := tx.Respond(resp); err != nil {
		h.Logger.WithFields(logrus.Fields{
			"status": resp.StatusCode,
		}).WithError(err).Error("Failed to send SIP response")
	}
}

// callIDValue returns the Call-ID value, or an empty string when the header
// is absent. Requests without one never match a dialog.
func callIDValue(req *sip.Request) string {
	if callID := req.CallID(); callID != nil {
		return callID.Value()
	}
	return ""
}

// fromUpstream reports whether a request arrived from the leg that
// originated the call
func fromUpstream(req *sip.Request, dialog *Dialog) bool {
	return req.Source() == dialog.UpstreamSource
}

// downstreamToTag extracts the To tag from a downstream response
func downstreamToTag(resp *sip.Response) string {
	if to := resp.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			return tag
		}
	}
	return ""
}
