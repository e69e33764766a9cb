// Package crewpolicy decides what a crew role may do.
//
// Authorization rules (see policy.yaml for the full table):
//   - Members can read the crew, post, share jobs, message, update their own
//     preferences and activity, delete their own items, and leave
//   - Leads can also invite, delete any item, and edit job preferences
//   - Foremen can also add and remove members, rename, change roles, and
//     deactivate the crew
//
// CanPerform is pure. Authorize resolves the caller's role from the member
// record addressed by the logical crew id and then applies CanPerform.
package crewpolicy

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dalemusser/crewhub/internal/app/system/docstore"
	"github.com/dalemusser/crewhub/internal/domain/crewerr"
	"github.com/dalemusser/crewhub/internal/domain/models"
	"gopkg.in/yaml.v3"
)

// Action names an operation guarded by the table.
type Action string

const (
	ViewCrew        Action = "view_crew"
	UpdateOwnMember Action = "update_own_member"
	Post            Action = "post"
	ShareJob        Action = "share_job"
	Message         Action = "message"
	DeleteOwnItem   Action = "delete_own_item"
	LeaveCrew       Action = "leave_crew"
	InviteMember    Action = "invite_member"
	DeleteAnyItem   Action = "delete_any_item"
	UpdateCrew      Action = "update_crew"
	AddMember       Action = "add_member"
	RemoveMember    Action = "remove_member"
)

// Guarded fields.
const (
	FieldName           = "name"
	FieldRoles          = "roles"
	FieldIsActive       = "is_active"
	FieldJobPreferences = "job_preferences"
	FieldMemberIDs      = "member_ids"
	FieldForemanID      = "foreman_id"
	FieldPreferences    = "preferences"
	FieldLastActivityAt = "last_activity_at"
)

//go:embed policy.yaml
var policyYAML []byte

type fileFormat struct {
	Roles map[models.Role]struct {
		Inherits []models.Role        `yaml:"inherits"`
		Actions  map[Action][]string `yaml:"actions"`
	} `yaml:"roles"`
}

// Table is a resolved permission table: role -> action -> allowed fields.
type Table struct {
	grants map[models.Role]map[Action]map[string]struct{}
}

// Parse builds a Table from YAML, flattening inheritance.
func Parse(data []byte) (*Table, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("crewpolicy: parse: %w", err)
	}
	t := &Table{grants: make(map[models.Role]map[Action]map[string]struct{})}

	var resolve func(role models.Role, visiting map[models.Role]bool) (map[Action]map[string]struct{}, error)
	resolve = func(role models.Role, visiting map[models.Role]bool) (map[Action]map[string]struct{}, error) {
		if g, ok := t.grants[role]; ok {
			return g, nil
		}
		def, ok := f.Roles[role]
		if !ok {
			return nil, fmt.Errorf("crewpolicy: unknown role %q", role)
		}
		if visiting[role] {
			return nil, fmt.Errorf("crewpolicy: inheritance cycle at %q", role)
		}
		visiting[role] = true

		g := make(map[Action]map[string]struct{})
		for _, parent := range def.Inherits {
			pg, err := resolve(parent, visiting)
			if err != nil {
				return nil, err
			}
			for action, fields := range pg {
				merge(g, action, fields)
			}
		}
		for action, fields := range def.Actions {
			set := make(map[string]struct{}, len(fields))
			for _, f := range fields {
				set[f] = struct{}{}
			}
			merge(g, action, set)
		}
		t.grants[role] = g
		return g, nil
	}

	for role := range f.Roles {
		if !role.Valid() {
			return nil, fmt.Errorf("crewpolicy: unknown role %q", role)
		}
		if _, err := resolve(role, map[models.Role]bool{}); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func merge(g map[Action]map[string]struct{}, action Action, fields map[string]struct{}) {
	set, ok := g[action]
	if !ok {
		set = make(map[string]struct{})
		g[action] = set
	}
	for f := range fields {
		set[f] = struct{}{}
	}
}

var defaultTable = mustParse(policyYAML)

func mustParse(data []byte) *Table {
	t, err := Parse(data)
	if err != nil {
		panic(err)
	}
	return t
}

// Default returns the embedded table.
func Default() *Table { return defaultTable }

// CanPerform reports whether role may run action changing fieldsChanged.
// A single disallowed field rejects the whole change.
func (t *Table) CanPerform(role models.Role, action Action, fieldsChanged []string) bool {
	allowed, ok := t.grants[role][action]
	if !ok {
		return false
	}
	for _, f := range fieldsChanged {
		if _, ok := allowed[f]; !ok {
			return false
		}
	}
	return true
}

// AllowedFields lists the fields role may change through action, sorted.
func (t *Table) AllowedFields(role models.Role, action Action) []string {
	set := t.grants[role][action]
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Check is CanPerform returning a Forbidden error naming what was denied.
func (t *Table) Check(role models.Role, action Action, fieldsChanged []string) error {
	if t.CanPerform(role, action, fieldsChanged) {
		return nil
	}
	if _, ok := t.grants[role][action]; !ok {
		return crewerr.Forbidden("role %s may not %s", role, action)
	}
	allowed := t.grants[role][action]
	var denied []string
	for _, f := range fieldsChanged {
		if _, ok := allowed[f]; !ok {
			denied = append(denied, f)
		}
	}
	return crewerr.Forbidden("role %s may not change %s", role, strings.Join(denied, ", "))
}

// CanPerform applies the embedded table.
func CanPerform(role models.Role, action Action, fieldsChanged []string) bool {
	return defaultTable.CanPerform(role, action, fieldsChanged)
}

// RoleOf returns userID's role in the crew identified by the logical crewID.
// ok is false when the user is not a member.
func RoleOf(ctx context.Context, r docstore.Reader, crewID models.CrewID, userID string) (models.Role, bool, error) {
	var m models.Member
	err := r.Get(ctx, docstore.Members, models.MemberKey(crewID, userID), &m)
	if errors.Is(err, docstore.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return m.Role, true, nil
}

// Authorize resolves userID's role in crewID and checks action. Non-members
// are Forbidden. The resolved role is returned for callers that branch on it.
func (t *Table) Authorize(ctx context.Context, r docstore.Reader, crewID models.CrewID, userID string, action Action, fieldsChanged []string) (models.Role, error) {
	role, ok, err := RoleOf(ctx, r, crewID, userID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", crewerr.Forbidden("user is not a member of crew %s", crewID)
	}
	return role, t.Check(role, action, fieldsChanged)
}
