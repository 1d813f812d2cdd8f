// SPDX-FileCopyrightText: Copyright 2025 agentauth contributors
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"html/template"
	"net/http"

	"github.com/agentauth/agentauth/pkg/authserver/flow"
	"github.com/agentauth/agentauth/pkg/logger"
	"github.com/agentauth/agentauth/pkg/oauth"
)

// landingPage is served to the browser after a valid authorization request.
// It shows the request ID the agent needs for the back channel and polls the
// status endpoint until the code is ready, then follows the redirect.
var landingPage = template.Must(template.New("landing").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Waiting for agent</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 32rem; margin: 4rem auto; padding: 0 1rem; color: #1a1a2e; }
code { background: #f0f0f5; padding: 0.2rem 0.4rem; border-radius: 4px; font-size: 1.05em; }
.error { color: #b00020; }
</style>
</head>
<body data-request-id="{{.RequestID}}">
<h1>Waiting for your agent</h1>
<p>Authorization request <code id="request-id">{{.RequestID}}</code> is pending.</p>
<p>Have your agent authenticate with this request ID. This page updates automatically.</p>
<p id="status">Status: pending</p>
<script>
(function () {
  var requestID = {{.RequestID}};
  var statusEl = document.getElementById("status");
  function poll() {
    fetch("/api/check-status?request_id=" + encodeURIComponent(requestID))
      .then(function (res) { return res.json(); })
      .then(function (body) {
        if (body.redirect_uri) {
          window.location = body.redirect_uri;
          return;
        }
        statusEl.textContent = "Status: " + body.status + (body.error ? " (" + body.error + ")" : "");
        if (body.status === "pending") {
          setTimeout(poll, 2000);
        } else if (body.status !== "completed") {
          statusEl.className = "error";
        }
      })
      .catch(function () { setTimeout(poll, 2000); });
  }
  setTimeout(poll, 2000);
})();
</script>
</body>
</html>
`))

// errorPage is served when the authorization request itself is invalid and
// no trustworthy redirect URI exists to carry the error back to the client.
var errorPage = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Authorization error</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 32rem; margin: 4rem auto; padding: 0 1rem; color: #1a1a2e; }
h1 { color: #b00020; }
</style>
</head>
<body>
<h1>Authorization error</h1>
<p><strong>{{.Code}}</strong></p>
<p>{{.Description}}</p>
</body>
</html>
`))

// AuthorizeHandler handles GET /authorize requests. It validates the
// request, stores it as pending, and serves the landing page the browser
// keeps open while the agent authenticates.
func (h *Handler) AuthorizeHandler(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()

	authReq, err := h.flow.Begin(req.Context(), flow.BeginInput{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Scope:               q.Get("scope"),
	})
	if err != nil {
		h.writeAuthorizeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := landingPage.Execute(w, map[string]string{"RequestID": authReq.RequestID}); err != nil {
		logger.Errorw("failed to render landing page", "error", err)
	}
}

// writeAuthorizeError renders an error as a 200 HTML page. Errors on this
// endpoint never redirect: the redirect URI is not trusted until it has
// been validated, and by then only the agent flow can fail. The page is for
// a human, so the protocol status codes do not apply.
func (h *Handler) writeAuthorizeError(w http.ResponseWriter, err error) {
	var oauthErr *oauth.Error
	if !errors.As(err, &oauthErr) {
		logger.Errorw("authorize failed", "error", err)
		oauthErr = oauth.ErrServerError
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := errorPage.Execute(w, oauthErr); err != nil {
		logger.Errorw("failed to render error page", "error", err)
	}
}
