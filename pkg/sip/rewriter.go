package sip

import (
	"fmt"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// contactPlaceholderHost is advertised when no external host is configured.
// The provider never routes requests to the gateway's Contact in the relay
// deployments this serves, so a resolvable placeholder keeps the header
// syntactically valid without leaking an internal address.
const contactPlaceholderHost = "invalid.invalid"

// Headers owned by the downstream leg. They are rebuilt per attempt instead
// of being copied from the upstream request.
var downstreamOwnedHeaders = map[string]bool{
	"via":                 true,
	"route":               true,
	"record-route":        true,
	"contact":             true,
	"to":                  true,
	"from":                true,
	"call-id":             true,
	"cseq":                true,
	"max-forwards":        true,
	"content-length":      true,
	"content-type":        true,
	"authorization":       true,
	"proxy-authorization": true,
}

// buildDownstreamInvite creates the INVITE for the provider leg of a call.
// The request-URI and To header address the configured destination user at
// the downstream domain, From is carried over from the upstream request
// untouched, and Contact advertises the gateway's own identity. The caller
// passes the negotiated body and the CSeq number for this attempt; auth is
// an optional Authorization or Proxy-Authorization header appended after a
// digest challenge.
func (h *Handler) buildDownstreamInvite(upstream *sip.Request, body []byte, seqNo uint32, authHeader sip.Header) (*sip.Request, error) {
	target := sip.Uri{
		User: h.Config.DestinationUser,
		Host: h.Config.DownstreamDomain,
	}

	invite := sip.NewRequest(sip.INVITE, target)
	invite.SipVersion = upstream.SipVersion
	invite.SetDestination(h.Config.DownstreamAddress)

	from := upstream.From()
	if from == nil {
		return nil, fmt.Errorf("upstream INVITE has no From header")
	}
	fromCopy := *from
	invite.AppendHeader(&fromCopy)

	invite.AppendHeader(&sip.ToHeader{Address: target, Params: sip.HeaderParams{}})

	callID := upstream.CallID()
	if callID == nil {
		return nil, fmt.Errorf("upstream INVITE has no Call-ID header")
	}
	callIDCopy := *callID
	invite.AppendHeader(&callIDCopy)

	invite.AppendHeader(&sip.CSeqHeader{SeqNo: seqNo, MethodName: sip.INVITE})

	maxForwards := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxForwards)

	invite.AppendHeader(h.contactHeader())

	if authHeader != nil {
		invite.AppendHeader(authHeader)
	}

	// Everything else passes through unchanged: Supported, Session-Expires,
	// P-headers and whatever custom headers the upstream switch set.
	for _, header := range upstream.Headers() {
		if downstreamOwnedHeaders[strings.ToLower(header.Name())] {
			continue
		}
		invite.AppendHeader(sip.NewHeader(header.Name(), header.Value()))
	}

	if len(body) > 0 {
		contentType := "application/sdp"
		if upstreamType := upstream.GetHeader("Content-Type"); upstreamType != nil {
			contentType = upstreamType.Value()
		}
		invite.AppendHeader(sip.NewHeader("Content-Type", contentType))
	}
	invite.SetBody(body)

	return invite, nil
}

// contactHeader builds the gateway's Contact header for the downstream leg
func (h *Handler) contactHeader() sip.Header {
	host := h.Config.ExternalHost
	if host == "" {
		host = contactPlaceholderHost
	}
	return sip.NewHeader("Contact", fmt.Sprintf("<sip:%s@%s>", h.Config.ContactUser, host))
}

// forwardedRequest copies an in-dialog request for relay to the opposite
// leg. All headers except Via and Content-Length travel verbatim; both legs
// share the same dialog identifiers so the request stays valid as-is. Via is
// left to the transaction layer writing the request out.
func forwardedRequest(req *sip.Request, destination string, keepVia bool) *sip.Request {
	forwarded := sip.NewRequest(req.Method, req.Recipient)
	forwarded.SipVersion = req.SipVersion
	forwarded.SetDestination(destination)

	for _, header := range req.Headers() {
		switch strings.ToLower(header.Name()) {
		case "content-length":
			continue
		case "via":
			if !keepVia {
				continue
			}
		}
		forwarded.AppendHeader(sip.NewHeader(header.Name(), header.Value()))
	}

	forwarded.SetBody(req.Body())
	return forwarded
}

// relayedResponse builds the upstream response mirroring a downstream one.
// Status, reason and body carry over, the To tag established downstream is
// grafted onto the upstream To header so later in-dialog requests match,
// and Contact is replaced with the gateway's identity because the upstream
// switch must keep signaling through the gateway rather than contact the
// provider directly.
func (h *Handler) relayedResponse(upstream *sip.Request, downstream *sip.Response) *sip.Response {
	resp := sip.NewResponseFromRequest(upstream, downstream.StatusCode, downstream.Reason, downstream.Body())

	if downstreamTo := downstream.To(); downstreamTo != nil {
		if tag, ok := downstreamTo.Params.Get("tag"); ok && tag != "" {
			if to := resp.To(); to != nil {
				if to.Params == nil {
					to.Params = sip.HeaderParams{}
				}
				to.Params.Add("tag", tag)
			}
		}
	}

	for _, header := range downstream.Headers() {
		switch strings.ToLower(header.Name()) {
		case "via", "from", "to", "call-id", "cseq", "contact", "content-length", "record-route":
			continue
		}
		if len(resp.GetHeaders(header.Name())) > 0 {
			resp.ReplaceHeader(sip.NewHeader(header.Name(), header.Value()))
		} else {
			resp.AppendHeader(sip.NewHeader(header.Name(), header.Value()))
		}
	}

	if downstream.StatusCode < 300 && downstream.StatusCode >= 180 {
		resp.AppendHeader(h.contactHeader())
	}

	return resp
}

// challengeHeader extracts the digest challenge from a 401 or 407 response
// and names the request header the computed credentials belong in
func challengeHeader(resp *sip.Response) (challenge string, authHeaderName string) {
	if resp.StatusCode == 407 {
		if header := resp.GetHeader("Proxy-Authenticate"); header != nil {
			return header.Value(), "Proxy-Authorization"
		}
		return "", "Proxy-Authorization"
	}
	if header := resp.GetHeader("WWW-Authenticate"); header != nil {
		return header.Value(), "Authorization"
	}
	return "", "Authorization"
}
