package usps

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idproof/internal/platform/config"
)

// vendorServer serves the token endpoint plus one business endpoint handler.
func vendorServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/authenticate", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"token_type":   "Bearer",
			"access_token": "test-token",
			"expires_in":   int64(900),
		})
	})
	mux.HandleFunc(basePath, func(w http.ResponseWriter, r *http.Request) {
		// Every business call carries the freshly validated token and a
		// correlation ID.
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("RequestID"))
		handler(w, r)
	})
	return httptest.NewServer(mux)
}

func clientFor(srv *httptest.Server) *Client {
	cfg := config.USPS{
		RootURL:        srv.URL,
		SponsorID:      42,
		Username:       "user",
		Password:       "pass",
		ClientID:       "client",
		RequestTimeout: 5 * time.Second,
	}
	c := New(cfg)
	c.client = srv.Client()
	c.tokens = NewTokenManager(cfg, srv.Client())
	return c
}

func decodeBody(t *testing.T, r *http.Request) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	return body
}

func TestRequestFacilities(t *testing.T) {
	t.Run("maps vendor facilities", func(t *testing.T) {
		srv := vendorServer(t, func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, basePath+"getIppFacilityList", r.URL.Path)
			body := decodeBody(t, r)
			assert.Equal(t, float64(42), body["sponsorID"])
			assert.Equal(t, "100 Main St", body["streetAddress"])

			_, _ = w.Write([]byte(`{"postOffices": [
				{"distance": "1.2", "streetAddress": "1 Post Rd", "city": "Bayside",
				 "phone": "555-0100", "name": "BAYSIDE", "zip5": "11360", "state": "NY"}
			]}`))
		})
		defer srv.Close()

		got, err := clientFor(srv).RequestFacilities(context.Background(), Location{
			Address: "100 Main St", City: "Bayside", State: "NY", ZipCode: "11360",
		})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, PostOffice{
			Distance: "1.2", Address: "1 Post Rd", City: "Bayside",
			Phone: "555-0100", Name: "BAYSIDE", ZipCode: "11360", State: "NY",
		}, got[0])
	})

	t.Run("no facilities yields empty slice, not nil", func(t *testing.T) {
		srv := vendorServer(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"postOffices": null}`))
		})
		defer srv.Close()

		got, err := clientFor(srv).RequestFacilities(context.Background(), Location{})
		require.NoError(t, err)
		assert.NotNil(t, got)
		assert.Empty(t, got)
	})
}

func TestRequestEnroll(t *testing.T) {
	srv := vendorServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, basePath+"optInIPPApplicant", r.URL.Path)
		body := decodeBody(t, r)
		assert.Equal(t, "1.5", body["IPPAssuranceLevel"])
		assert.Equal(t, "abc123", body["uniqueID"])
		assert.Equal(t, "jane@example.com", body["emailAddress"])

		_, _ = w.Write([]byte(`{"enrollmentCode": "1234567890123456", "responseMessage": "ok"}`))
	})
	defer srv.Close()

	got, err := clientFor(srv).RequestEnroll(context.Background(), Applicant{
		UniqueID:  "abc123",
		FirstName: "Jane",
		LastName:  "Doe",
		Address:   "100 Main St",
		City:      "Bayside",
		State:     "NY",
		ZipCode:   "11360",
		Email:     "jane@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, "1234567890123456", got.EnrollmentCode)
}

func TestRequestProofingResults(t *testing.T) {
	t.Run("2xx means proofing complete", func(t *testing.T) {
		srv := vendorServer(t, func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, basePath+"getProofingResults", r.URL.Path)
			body := decodeBody(t, r)
			assert.Equal(t, "abc123", body["uniqueID"])
			assert.Equal(t, "1234567890123456", body["enrollmentCode"])

			_, _ = w.Write([]byte(`{"status": "In-person passed", "proofingCity": "Bayside"}`))
		})
		defer srv.Close()

		got, err := clientFor(srv).RequestProofingResults(context.Background(), "abc123", "1234567890123456")
		require.NoError(t, err)
		assert.Equal(t, "In-person passed", got.Status)
	})

	t.Run("structured 4xx is a business error", func(t *testing.T) {
		srv := vendorServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"responseMessage": "Applicant has not been to the Post Office"}`))
		})
		defer srv.Close()

		_, err := clientFor(srv).RequestProofingResults(context.Background(), "abc123", "1234567890123456")
		var bizErr *BusinessError
		require.ErrorAs(t, err, &bizErr)
		assert.Equal(t, http.StatusBadRequest, bizErr.StatusCode)
		assert.Contains(t, bizErr.Reason, "not been to the Post Office")
	})

	t.Run("unparsable 4xx degrades to vendor unavailable", func(t *testing.T) {
		srv := vendorServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`<html>gateway error</html>`))
		})
		defer srv.Close()

		_, err := clientFor(srv).RequestProofingResults(context.Background(), "abc123", "1234567890123456")
		assert.ErrorIs(t, err, ErrVendorUnavailable)
	})

	t.Run("5xx is vendor unavailable", func(t *testing.T) {
		srv := vendorServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})
		defer srv.Close()

		_, err := clientFor(srv).RequestProofingResults(context.Background(), "abc123", "1234567890123456")
		assert.ErrorIs(t, err, ErrVendorUnavailable)
	})
}

func TestRequestEnrollmentCode(t *testing.T) {
	srv := vendorServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, basePath+"requestEnrollmentCode", r.URL.Path)
		body := decodeBody(t, r)
		assert.Equal(t, "abc123", body["uniqueID"])

		_, _ = w.Write([]byte(`{"enrollmentCode": "1234567890123456"}`))
	})
	defer srv.Close()

	got, err := clientFor(srv).RequestEnrollmentCode(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, "1234567890123456", got.EnrollmentCode)
}
