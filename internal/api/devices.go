package api

import (
	"net/http"
	"strings"

	"github.com/gobeyondidentity/verdict/pkg/attestation"
	"github.com/gobeyondidentity/verdict/pkg/lifecycle"
	"github.com/gobeyondidentity/verdict/pkg/store"
)

// ----- Enrollment and evidence -----

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := lifecycle.ParseEnrollRequest(body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.manager.Enroll(r.Context(), req, actorOf(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	d := data{
		Devices:  append([]deviceJSON{deviceToJSON(res.Device)}, devicesToJSON(res.Replaced)...),
		Policies: policiesToJSON(res.Policies),
	}
	if res.Credential != "" {
		d.Credentials = []credentialJSON{{Device: lifecycle.FormatID(res.Device.ID), Token: res.Credential}}
	}
	s.writeData(w, statusFor(res.Status, http.StatusCreated), d, "")
}

// handleAttest appraises evidence from the device named by the Bearer
// credential. Evidence that fails verification still answers 200 with a
// false verdict appraisal.
func (s *Server) handleAttest(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := s.authenticateDevice(w, r)
	if !ok {
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ev, err := attestation.ParseEvidence(body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.engine.Submit(r.Context(), deviceID, ev)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	d := data{
		Appraisals: []appraisalJSON{appraisalToJSON(res.Appraisal)},
		Devices:    []deviceJSON{deviceToJSON(res.Device)},
	}
	if res.Policy != nil {
		d.Policies = []policyJSON{policyToJSON(res.Policy)}
	}
	s.writeData(w, http.StatusOK, d, "")
}

// authenticateDevice verifies the Bearer credential and returns the device
// it was issued to. On failure the response has been written.
func (s *Server) authenticateDevice(w http.ResponseWriter, r *http.Request) (int64, bool) {
	token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !found || token == "" || s.issuer == nil {
		writeUnauthorized(w, "missing device credential")
		return 0, false
	}
	id, err := s.issuer.Verify(strings.TrimSpace(token), s.engine.Now())
	if err != nil {
		s.logger.Debug("device credential rejected", "error", err)
		writeUnauthorized(w, "invalid device credential")
		return 0, false
	}
	return id, true
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="verdict"`)
	writeJSON(w, http.StatusUnauthorized, envelope{
		Code:   "err",
		Errors: []errorJSON{{ID: "auth", Msg: msg}},
	})
}

// ----- Devices -----

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	cursor, limit, err := page(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	devices, next, err := s.manager.Devices(r.Context(), cursor, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, data{Devices: devicesToJSON(devices)}, next)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	dev, err := s.manager.Device(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, data{Devices: []deviceJSON{deviceToJSON(dev)}}, "")
}

func (s *Server) handlePatchDevice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ops, err := lifecycle.ParseDevicePatch(body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	dev, err := s.manager.PatchDevice(r.Context(), id, ops, actorOf(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, data{Devices: []deviceJSON{deviceToJSON(dev)}}, "")
}

func (s *Server) handleResurrect(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.manager.Resurrect(r.Context(), id, actorOf(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	d := data{
		Devices:  devicesToJSON([]*store.Device{res.New, res.Old}),
		Policies: policiesToJSON(res.Policies),
	}
	if res.Appraisal != nil {
		d.Appraisals = []appraisalJSON{appraisalToJSON(res.Appraisal)}
	}
	if res.Credential != "" {
		d.Credentials = []credentialJSON{{Device: lifecycle.FormatID(res.New.ID), Token: res.Credential}}
	}
	s.writeData(w, http.StatusCreated, d, "")
}
