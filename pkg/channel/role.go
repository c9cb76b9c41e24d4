package channel

import (
	"github.com/companion-protocol/companion-go/pkg/wire"
	"github.com/google/uuid"
)

// SystemRecipientUUID is the reserved recipient for core-owned queries such
// as the user role request.
var SystemRecipientUUID = uuid.MustParse("892ac5d9-e9a5-48dc-874a-c617e5beb584")

// FeatureProvider resolves channel configuration after construction. The
// role query is advisory: a missing or failed response leaves the role
// unknown and never fails the flow that requested it.
type FeatureProvider interface {
	// QueryRole asks the car for the phone user's seat role. The
	// completion fires exactly once; ok is false when no role was
	// resolved.
	QueryRole(ch *SecuredChannel, completion func(role wire.UserRole, ok bool))
}

// SystemQueryFeatureProvider resolves the role with a system query over the
// channel itself.
type SystemQueryFeatureProvider struct{}

// NewSystemQueryFeatureProvider creates the default feature provider.
func NewSystemQueryFeatureProvider() *SystemQueryFeatureProvider {
	return &SystemQueryFeatureProvider{}
}

// QueryRole sends a user-role system query and records the result on the
// channel.
func (p *SystemQueryFeatureProvider) QueryRole(ch *SecuredChannel, completion func(role wire.UserRole, ok bool)) {
	request, err := wire.EncodeSystemQuery(&wire.SystemQuery{Type: wire.SystemQueryUserRole})
	if err != nil {
		completion(wire.RoleUnknown, false)
		return
	}

	_, err = ch.SendQuery(request, nil, SystemRecipientUUID, func(response *wire.QueryResponse) {
		if !response.Successful {
			completion(wire.RoleUnknown, false)
			return
		}
		parsed, err := wire.DecodeUserRoleResponse(response.Response)
		if err != nil {
			completion(wire.RoleUnknown, false)
			return
		}
		ch.SetRole(parsed.Role)
		completion(parsed.Role, true)
	})
	if err != nil {
		completion(wire.RoleUnknown, false)
	}
}

// Compile-time interface satisfaction check.
var _ FeatureProvider = (*SystemQueryFeatureProvider)(nil)
