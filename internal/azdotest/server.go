// Package azdotest provides an in-memory Azure DevOps server for tests. It serves the
// core, user entitlement and graph routes used by the client, keeps team and group
// memberships in one place and counts every request by route.
package azdotest

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/vaintrub/azdo-roster/client"
	"github.com/vaintrub/azdo-roster/models"
)

// Route names a served endpoint for hit counting and fault injection.
type Route string

const (
	RouteListProjects       Route = "GET projects"
	RouteGetProject         Route = "GET project"
	RouteListTeams          Route = "GET teams"
	RouteListTeamMembers    Route = "GET team members"
	RouteAddTeamMember      Route = "POST team member"
	RouteAddTeamMemberByID  Route = "PUT team member"
	RouteListEntitlements   Route = "GET userentitlements"
	RouteInviteUser         Route = "POST userentitlements"
	RouteInviteBatch        Route = "PATCH userentitlements"
	RouteListGraphGroups    Route = "GET graph groups"
	RouteGetDescriptor      Route = "GET descriptor"
	RouteCheckMembership    Route = "GET membership"
	RouteAddMembership      Route = "PUT membership"
	RouteRemoveMembership   Route = "DELETE membership"
)

const defaultEntitlementsPage = 100

// Token is the PAT the server accepts unless SetToken changes it.
const Token = "azdotest-pat"

type user struct {
	models.DirectoryUser
	visibleAfter int // entitlement list calls before the user shows up
}

type fault struct {
	status int
	times  int // <0 means forever
}

// Server is a fake Azure DevOps organization with one project.
type Server struct {
	*httptest.Server

	Org     string
	project models.Project

	mu          sync.Mutex
	token       string
	teams       []models.Team
	users       map[string]*user // by email
	groups      []models.GraphGroup
	members     map[string]map[string]bool // container descriptor -> subject descriptors
	invitations []models.Invitation
	propagation int
	pageSize    int
	hits        map[Route]int
	requests    []Route
	faults      map[Route]*fault
}

// NewServer starts a server for organization "contoso" and the given project.
// It is closed when the test ends.
func NewServer(t testing.TB, project string) *Server {
	t.Helper()

	s := &Server{
		Org:      "contoso",
		project:  models.Project{ID: uuid.NewString(), Name: project, State: "wellFormed"},
		token:    Token,
		users:    make(map[string]*user),
		members:  make(map[string]map[string]bool),
		pageSize: defaultEntitlementsPage,
		hits:     make(map[Route]int),
		faults:   make(map[Route]*fault),
	}
	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(s.Close)
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.authenticate)

	r.Route("/"+s.Org, func(r chi.Router) {
		r.Get("/_apis/projects", s.handle(RouteListProjects, s.listProjects))
		r.Get("/_apis/projects/{project}", s.handle(RouteGetProject, s.getProject))
		r.Get("/_apis/projects/{project}/teams", s.handle(RouteListTeams, s.listTeams))
		r.Get("/_apis/projects/{project}/teams/{team}/members", s.handle(RouteListTeamMembers, s.listTeamMembers))
		r.Post("/{project}/_apis/teams/{team}/members", s.handle(RouteAddTeamMember, s.addTeamMember))
		r.Put("/{project}/_apis/teams/{team}/members/{id}", s.handle(RouteAddTeamMemberByID, s.addTeamMemberByID))
	})
	r.Route("/vsaex/"+s.Org+"/_apis/userentitlements", func(r chi.Router) {
		r.Get("/", s.handle(RouteListEntitlements, s.listEntitlements))
		r.Post("/", s.handle(RouteInviteUser, s.inviteUser))
		r.Patch("/", s.handle(RouteInviteBatch, s.inviteBatch))
	})
	r.Route("/vssps/"+s.Org+"/_apis/graph", func(r chi.Router) {
		r.Get("/groups", s.handle(RouteListGraphGroups, s.listGraphGroups))
		r.Get("/descriptors/{key}", s.handle(RouteGetDescriptor, s.getDescriptor))
		r.Get("/memberships/{subject}/{container}", s.handle(RouteCheckMembership, s.checkMembership))
		r.Put("/memberships/{subject}/{container}", s.handle(RouteAddMembership, s.addMembership))
		r.Delete("/memberships/{subject}/{container}", s.handle(RouteRemoveMembership, s.removeMembership))
	})
	return r
}

// OrganizationURL is the core endpoint to pass to client.New.
func (s *Server) OrganizationURL() string {
	return s.URL + "/" + s.Org
}

// EntitlementsURL is the user entitlements host of the organization.
func (s *Server) EntitlementsURL() string {
	return s.URL + "/vsaex/" + s.Org
}

// GraphURL is the graph host of the organization.
func (s *Server) GraphURL() string {
	return s.URL + "/vssps/" + s.Org
}

// ClientOptions points the entitlement and graph hosts at the server.
func (s *Server) ClientOptions() []client.Option {
	return []client.Option{
		client.WithEntitlementsEndpoint(s.EntitlementsURL()),
		client.WithGraphEndpoint(s.GraphURL()),
		client.WithRetry(1, time.Millisecond),
	}
}

// NewClient returns a client for the server's project.
func (s *Server) NewClient(t testing.TB, opts ...client.Option) *client.Adapter {
	t.Helper()
	c, err := client.New(s.OrganizationURL(), s.project.Name, Token, append(s.ClientOptions(), opts...)...)
	if err != nil {
		t.Fatalf("azdotest: create client: %v", err)
	}
	return c
}

// Project returns the served project.
func (s *Server) Project() models.Project {
	return s.project
}

// SetToken changes the accepted PAT.
func (s *Server) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

// SetPropagationDelay sets how many user entitlement listings miss a newly invited user.
func (s *Server) SetPropagationDelay(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.propagation = n
}

// SetEntitlementsPageSize sets the page size of the user entitlement listing.
func (s *Server) SetEntitlementsPageSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > 0 {
		s.pageSize = n
	}
}

// Fail makes the next times requests to route answer with status. A negative times
// fails forever.
func (s *Server) Fail(route Route, status, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[route] = &fault{status: status, times: times}
}

// Hits returns how many requests route has received, faults included.
func (s *Server) Hits(route Route) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[route]
}

// Requests returns the routes hit so far, in arrival order.
func (s *Server) Requests() []Route {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Route(nil), s.requests...)
}

// Invitations returns every invitation received, single and batched.
func (s *Server) Invitations() []models.Invitation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Invitation(nil), s.invitations...)
}

// AddTeam creates a project team.
func (s *Server) AddTeam(name string) models.Team {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := models.Team{ID: uuid.NewString(), Name: name, Description: "The " + name + " team"}
	s.teams = append(s.teams, t)
	return t
}

// AddUser adds a visible organization member.
func (s *Server) AddUser(email string) models.DirectoryUser {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addUserLocked(email, 0).DirectoryUser
}

func (s *Server) addUserLocked(email string, visibleAfter int) *user {
	key := models.NormalizeEmail(email)
	if u, ok := s.users[key]; ok {
		return u
	}
	id := uuid.NewString()
	name, _, _ := strings.Cut(key, "@")
	u := &user{
		DirectoryUser: models.DirectoryUser{
			Email:         key,
			Descriptor:    "aad." + base64.RawURLEncoding.EncodeToString([]byte(id)),
			DisplayName:   name,
			ID:            id,
			PrincipalName: key,
		},
		visibleAfter: visibleAfter,
	}
	s.users[key] = u
	return u
}

// AddSecurityGroup creates a project-scoped group named "[Project]\name".
func (s *Server) AddSecurityGroup(name string) models.GraphGroup {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := models.GraphGroup{
		Descriptor:    "vssgp." + base64.RawURLEncoding.EncodeToString([]byte(uuid.NewString())),
		DisplayName:   name,
		PrincipalName: fmt.Sprintf("[%s]\\%s", s.project.Name, name),
		Description:   fmt.Sprintf("Members of this group can access project %s (%s)", s.project.Name, s.project.ID),
		Origin:        "vsts",
		OriginID:      uuid.NewString(),
	}
	s.groups = append(s.groups, g)
	return g
}

// AddOrganizationGroup creates a graph group outside the project.
func (s *Server) AddOrganizationGroup(name string) models.GraphGroup {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := models.GraphGroup{
		Descriptor:    "vssgp." + base64.RawURLEncoding.EncodeToString([]byte(uuid.NewString())),
		DisplayName:   name,
		PrincipalName: fmt.Sprintf("[%s]\\%s", s.Org, name),
		Origin:        "vsts",
		OriginID:      uuid.NewString(),
	}
	s.groups = append(s.groups, g)
	return g
}

// AddTeamMember makes an existing user a member of a team.
func (s *Server) AddTeamMember(teamID, email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[models.NormalizeEmail(email)]; ok {
		s.addMemberLocked(teamDescriptor(teamID), u.Descriptor)
	}
}

// IsTeamMember reports whether email belongs to the team.
func (s *Server) IsTeamMember(teamID, email string) bool {
	return s.isMember(teamDescriptor(teamID), email)
}

// IsGroupMember reports whether email belongs to the graph group.
func (s *Server) IsGroupMember(descriptor, email string) bool {
	return s.isMember(descriptor, email)
}

// HasUser reports whether email was added or invited, visible or not.
func (s *Server) HasUser(email string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[models.NormalizeEmail(email)]
	return ok
}

func (s *Server) isMember(container, email string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[models.NormalizeEmail(email)]
	return ok && s.members[container][u.Descriptor]
}

func (s *Server) addMemberLocked(container, subject string) {
	set, ok := s.members[container]
	if !ok {
		set = make(map[string]bool)
		s.members[container] = set
	}
	set[subject] = true
}

func teamDescriptor(teamID string) string {
	return "vssgp.team-" + teamID
}

// === Middleware ===

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		token := s.token
		s.mu.Unlock()

		want := "Basic " + base64.StdEncoding.EncodeToString([]byte(":"+token))
		if r.Header.Get("Authorization") != want {
			writeError(w, http.StatusUnauthorized, "TF400813: The user is not authorized to access this resource.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handle(route Route, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[route]++
		s.requests = append(s.requests, route)
		f := s.faults[route]
		status := 0
		if f != nil && f.times != 0 {
			status = f.status
			if f.times > 0 {
				f.times--
			}
		}
		s.mu.Unlock()

		if status != 0 {
			writeError(w, status, fmt.Sprintf("injected failure for %s", route))
			return
		}
		fn(w, r)
	}
}

// === Core ===

func (s *Server) listProjects(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"count": 1, "value": []models.Project{s.project}})
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request) {
	p := param(r, "project")
	if !strings.EqualFold(p, s.project.Name) && p != s.project.ID {
		writeError(w, http.StatusNotFound, fmt.Sprintf("TF200016: The following project does not exist: %s", p))
		return
	}
	writeJSON(w, http.StatusOK, s.project)
}

func (s *Server) listTeams(w http.ResponseWriter, r *http.Request) {
	if !s.isProject(w, r) {
		return
	}
	top, _ := strconv.Atoi(r.URL.Query().Get("$top"))
	skip, _ := strconv.Atoi(r.URL.Query().Get("$skip"))

	s.mu.Lock()
	teams := append([]models.Team(nil), s.teams...)
	s.mu.Unlock()

	if skip > len(teams) {
		skip = len(teams)
	}
	teams = teams[skip:]
	if top > 0 && top < len(teams) {
		teams = teams[:top]
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(teams), "value": teams})
}

type identityRef struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	UniqueName  string `json:"uniqueName"`
}

func (s *Server) listTeamMembers(w http.ResponseWriter, r *http.Request) {
	if !s.isProject(w, r) {
		return
	}
	teamID := param(r, "team")

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasTeamLocked(teamID) {
		writeError(w, http.StatusNotFound, "team not found")
		return
	}
	type member struct {
		Identity    identityRef `json:"identity"`
		IsTeamAdmin bool        `json:"isTeamAdmin"`
	}
	var out []member
	set := s.members[teamDescriptor(teamID)]
	for _, u := range s.users {
		if set[u.Descriptor] {
			out = append(out, member{Identity: identityRef{ID: u.ID, DisplayName: u.DisplayName, UniqueName: u.Email}})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(out), "value": out})
}

func (s *Server) addTeamMember(w http.ResponseWriter, r *http.Request) {
	if !s.isProject(w, r) {
		return
	}
	var body struct {
		UniqueName string `json:"uniqueName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	teamID := param(r, "team")

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasTeamLocked(teamID) {
		writeError(w, http.StatusNotFound, "team not found")
		return
	}
	u, ok := s.users[models.NormalizeEmail(body.UniqueName)]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("identity %s not found", body.UniqueName))
		return
	}
	s.addMemberLocked(teamDescriptor(teamID), u.Descriptor)
	writeJSON(w, http.StatusOK, map[string]any{"id": u.ID, "uniqueName": u.Email})
}

func (s *Server) addTeamMemberByID(w http.ResponseWriter, r *http.Request) {
	if !s.isProject(w, r) {
		return
	}
	teamID, id := param(r, "team"), param(r, "id")

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasTeamLocked(teamID) {
		writeError(w, http.StatusNotFound, "team not found")
		return
	}
	for _, u := range s.users {
		if u.ID == id {
			s.addMemberLocked(teamDescriptor(teamID), u.Descriptor)
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	writeError(w, http.StatusNotFound, fmt.Sprintf("identity %s not found", id))
}

func (s *Server) isProject(w http.ResponseWriter, r *http.Request) bool {
	p := param(r, "project")
	if strings.EqualFold(p, s.project.Name) || p == s.project.ID {
		return true
	}
	writeError(w, http.StatusNotFound, fmt.Sprintf("TF200016: The following project does not exist: %s", p))
	return false
}

func (s *Server) hasTeamLocked(id string) bool {
	for _, t := range s.teams {
		if t.ID == id {
			return true
		}
	}
	return false
}

// === User entitlements ===

type entitlementRef struct {
	ID   string `json:"id"`
	User struct {
		MailAddress   string `json:"mailAddress"`
		PrincipalName string `json:"principalName"`
		DisplayName   string `json:"displayName"`
		Descriptor    string `json:"descriptor"`
	} `json:"user"`
}

func (s *Server) listEntitlements(w http.ResponseWriter, r *http.Request) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("continuationToken"))

	s.mu.Lock()
	calls := s.hits[RouteListEntitlements]
	var visible []entitlementRef
	for _, u := range s.users {
		if calls <= u.visibleAfter {
			continue
		}
		var e entitlementRef
		e.ID = u.ID
		e.User.MailAddress = u.Email
		e.User.PrincipalName = u.PrincipalName
		e.User.DisplayName = u.DisplayName
		e.User.Descriptor = u.Descriptor
		visible = append(visible, e)
	}
	pageSize := s.pageSize
	s.mu.Unlock()
	sort.Slice(visible, func(i, j int) bool { return visible[i].User.MailAddress < visible[j].User.MailAddress })

	if offset > len(visible) {
		offset = len(visible)
	}
	page := visible[offset:]
	token := ""
	if len(page) > pageSize {
		page = page[:pageSize]
		token = strconv.Itoa(offset + pageSize)
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": page, "continuationToken": token, "totalCount": len(visible)})
}

type entitlementBody struct {
	AccessLevel struct {
		AccountLicenseType string `json:"accountLicenseType"`
	} `json:"accessLevel"`
	User struct {
		PrincipalName string `json:"principalName"`
	} `json:"user"`
	ProjectEntitlements []struct {
		Group struct {
			GroupType string `json:"groupType"`
		} `json:"group"`
		ProjectRef struct {
			ID string `json:"id"`
		} `json:"projectRef"`
	} `json:"projectEntitlements"`
}

func (b entitlementBody) invitation() models.Invitation {
	inv := models.Invitation{
		Email:   models.NormalizeEmail(b.User.PrincipalName),
		License: models.License(b.AccessLevel.AccountLicenseType),
	}
	if len(b.ProjectEntitlements) > 0 {
		inv.GroupType = models.GroupType(b.ProjectEntitlements[0].Group.GroupType)
		inv.ProjectID = b.ProjectEntitlements[0].ProjectRef.ID
	}
	return inv
}

// admitLocked records an invitation and creates the user, hidden for the configured
// propagation delay.
func (s *Server) admitLocked(inv models.Invitation) error {
	if inv.Email == "" || !strings.Contains(inv.Email, "@") {
		return fmt.Errorf("VS403283: could not add user %q", inv.Email)
	}
	if inv.GroupType != "" && inv.ProjectID != s.project.ID {
		return fmt.Errorf("VS403288: project %s not found", inv.ProjectID)
	}
	s.invitations = append(s.invitations, inv)
	s.addUserLocked(inv.Email, s.hits[RouteListEntitlements]+s.propagation)
	return nil
}

func (s *Server) inviteUser(w http.ResponseWriter, r *http.Request) {
	var body entitlementBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.admitLocked(body.invitation()); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"isSuccess":       false,
			"operationResult": map[string]any{"errors": []map[string]string{{"key": "5000", "value": err.Error()}}},
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"isSuccess": true})
}

func (s *Server) inviteBatch(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json-patch+json") {
		writeError(w, http.StatusUnsupportedMediaType, "expected application/json-patch+json")
		return
	}
	var ops []struct {
		Op    string          `json:"op"`
		Value entitlementBody `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&ops); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	type result struct {
		IsSuccess bool                `json:"isSuccess"`
		Errors    []map[string]string `json:"errors,omitempty"`
	}
	results := make([]result, 0, len(ops))
	all := true
	for _, op := range ops {
		if err := s.admitLocked(op.Value.invitation()); err != nil {
			all = false
			results = append(results, result{Errors: []map[string]string{{"key": "5000", "value": err.Error()}}})
			continue
		}
		results = append(results, result{IsSuccess: true})
	}
	writeJSON(w, http.StatusOK, map[string]any{"isSuccess": all, "results": results})
}

// === Graph ===

func (s *Server) listGraphGroups(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	groups := append([]models.GraphGroup(nil), s.groups...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"count": len(groups), "value": groups})
}

func (s *Server) getDescriptor(w http.ResponseWriter, r *http.Request) {
	key := param(r, "key")

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasTeamLocked(key) {
		writeJSON(w, http.StatusOK, map[string]string{"value": teamDescriptor(key)})
		return
	}
	for _, u := range s.users {
		if u.ID == key {
			writeJSON(w, http.StatusOK, map[string]string{"value": u.Descriptor})
			return
		}
	}
	writeError(w, http.StatusNotFound, fmt.Sprintf("storage key %s not found", key))
}

func (s *Server) checkMembership(w http.ResponseWriter, r *http.Request) {
	subject, container := param(r, "subject"), param(r, "container")

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.members[container][subject] {
		writeError(w, http.StatusNotFound, "membership not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"memberDescriptor": subject, "containerDescriptor": container})
}

func (s *Server) addMembership(w http.ResponseWriter, r *http.Request) {
	subject, container := param(r, "subject"), param(r, "container")

	s.mu.Lock()
	defer s.mu.Unlock()
	s.addMemberLocked(container, subject)
	writeJSON(w, http.StatusCreated, map[string]string{"memberDescriptor": subject, "containerDescriptor": container})
}

func (s *Server) removeMembership(w http.ResponseWriter, r *http.Request) {
	subject, container := param(r, "subject"), param(r, "container")

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.members[container][subject] {
		writeError(w, http.StatusNotFound, "membership not found")
		return
	}
	delete(s.members[container], subject)
	w.WriteHeader(http.StatusOK)
}

// === Helpers ===

func param(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"message": message,
		"typeKey": "AzdoTestException",
	})
}
