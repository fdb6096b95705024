package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
)

// FuzzPutSetting feeds arbitrary keys and bodies to the settings endpoint.
func FuzzPutSetting(f *testing.F) {
	f.Add("renewalDay", `{"value": 15}`)
	f.Add("renewalDay", `{"value": "x"}`)
	f.Add("showStatus", `{"value": true}`)
	f.Add("fixedLimitValue", `{"value": -1}`)
	f.Add("latest", `{"value": 1}`)
	f.Add("planStartCredit", `{`)
	f.Add("purchasedCredits", `{"value": 1e30}`)
	f.Add("", `null`)

	fx := buildFixture()
	h := fx.router("", nil).Handler()

	f.Fuzz(func(t *testing.T, key, body string) {
		if len(key) > 100 || len(body) > 1000 {
			t.Skip("input too long")
		}
		req := httptest.NewRequest(http.MethodPut, "/settings/x", bytes.NewBufferString(body))
		req.URL.Path = "/settings/" + key
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		switch rec.Code {
		case http.StatusOK, http.StatusBadRequest, http.StatusNotFound, http.StatusMovedPermanently, http.StatusTemporaryRedirect:
		default:
			t.Fatalf("unexpected status %d for key %q body %q: %s", rec.Code, key, body, rec.Body.String())
		}
	})
}
