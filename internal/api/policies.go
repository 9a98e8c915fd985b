package api

import (
	"net/http"

	"github.com/gobeyondidentity/verdict/pkg/lifecycle"
)

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	cursor, limit, err := page(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	policies, next, err := s.manager.Policies(r.Context(), cursor, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, data{Policies: policiesToJSON(policies)}, next)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.manager.Policy(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, data{Policies: []policyJSON{policyToJSON(p)}}, "")
}

// handleCreatePolicy creates a policy, or schedules an update when
// valid_from lies in the future. A repeated cookie answers 202 with the
// policy created the first time.
func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := lifecycle.ParsePolicyRequest(body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.manager.CreatePolicy(r.Context(), req, actorOf(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writePolicyResult(w, res, http.StatusCreated)
}

func (s *Server) handlePatchPolicy(w http.ResponseWriter, r *http.Request) {
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
	ops, err := lifecycle.ParsePolicyPatch(body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.manager.PatchPolicy(r.Context(), id, ops, actorOf(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writePolicyResult(w, res, http.StatusOK)
}

// handleRevokePolicy revokes a policy. Unknown ids answer 202.
func (s *Server) handleRevokePolicy(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("id")
	id, err := lifecycle.ParseID(raw)
	if err != nil {
		s.writeData(w, http.StatusAccepted, data{}, "")
		return
	}

	res, err := s.manager.RevokePolicy(r.Context(), id, actorOf(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writePolicyResult(w, res, http.StatusOK)
}

func (s *Server) writePolicyResult(w http.ResponseWriter, res *lifecycle.PolicyResult, applied int) {
	d := data{
		Devices:    devicesToJSON(res.Devices),
		Appraisals: appraisalsToJSON(res.Appraisals),
	}
	if res.Policy != nil {
		d.Policies = []policyJSON{policyToJSON(res.Policy)}
	}
	s.writeData(w, statusFor(res.Status, applied), d, "")
}
