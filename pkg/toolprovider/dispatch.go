package toolprovider

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// CallbackResponse is what the embedding application returns from its launch
// callback: a redirect, literal output, or an abort with a message.
type CallbackResponse struct {
	OK       bool
	Redirect string
	Output   string
	Message  string
}

// Callback is invoked once per successfully authenticated launch with the
// populated model.
type Callback func(l *Launch) CallbackResponse

// Dispatch renders the outcome of a launch. On success it redirects or emits
// the callback's output; on failure it redirects to the consumer's return URL
// with lti_errormsg (and lti_errorlog in debug mode) appended, or falls back
// to a plain-text error.
func Dispatch(w http.ResponseWriter, r *http.Request, l *Launch, cb CallbackResponse) {
	if l.OK && cb.OK {
		switch {
		case cb.Redirect != "":
			http.Redirect(w, r, cb.Redirect, http.StatusFound)
		case cb.Output != "":
			fmt.Fprint(w, cb.Output)
		}
		return
	}

	msg := l.ErrorMessage()
	if l.OK && cb.Message != "" {
		msg = cb.Message
	}

	if l.ReturnURL != "" {
		u := l.ReturnURL
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + "lti_errormsg=" + url.QueryEscape(msg)
		if l.Debug && !l.OK && l.Reason != "" {
			u += "&lti_errorlog=" + url.QueryEscape(l.Reason)
		}
		http.Redirect(w, r, u, http.StatusFound)
		return
	}

	if l.Debug && isAbsoluteURL(msg) {
		http.Redirect(w, r, msg, http.StatusFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintln(w, msg)
}

func isAbsoluteURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.IsAbs() && u.Host != ""
}
