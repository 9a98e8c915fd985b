// Package mockhttp provides a builder for mock verdictd servers in tests.
//
// Responses use the /v2 envelope, so client code under test decodes them
// exactly as it decodes a real server's answers.
//
// # Basic Usage
//
//	srv := mockhttp.New().
//		Envelope(http.MethodGet, "/v2/devices", http.StatusOK,
//			map[string]any{"devices": []any{dev}}, "next-cursor").
//		Build()
//	defer srv.Close()
//
// # Errors
//
//	srv := mockhttp.New().
//		Errors(http.MethodPost, "/v2/policies", http.StatusBadRequest,
//			mockhttp.Error{ID: "inv", Path: "/name", Msg: "required"}).
//		Build()
//
// Requests that match no route get a 404 envelope with error id "oob".
//
// # Request Capture
//
// Call Capture before adding routes:
//
//	b := mockhttp.New()
//	capture := b.Capture()
//	srv := b.Envelope(http.MethodPatch, "/v2/devices/*", http.StatusOK, data, "").Build()
//
//	// ... make requests ...
//
//	req := capture.Last()
//	if req.Headers.Get("X-Actor") != "alice" {
//		t.Errorf("expected actor header, got %q", req.Headers.Get("X-Actor"))
//	}
package mockhttp
