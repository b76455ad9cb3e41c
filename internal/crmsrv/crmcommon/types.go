package crmcommon

// TenantId is the identifier a tenant is known by in session and auth state.
type TenantId string

// DataSourceTenantId is the identifier a tenant is known by inside the
// physical data source hosting its rows. It may differ from TenantId when
// several application tenants share one data source.
type DataSourceTenantId string

// DataSourceRole selects which credential a data-source client is bound to.
type DataSourceRole string

const (
	// RoleService uses the role-scoped secret and may bypass row policies.
	RoleService DataSourceRole = "service"
	// RoleAnon uses the lesser-privileged key intended for public surfaces.
	RoleAnon DataSourceRole = "anon"
)

func (r DataSourceRole) IsValid() bool {
	return r == RoleService || r == RoleAnon
}

type SubjectType string

const (
	SubjectTypeUser    SubjectType = "user"
	SubjectTypeService SubjectType = "service"
	SubjectTypeSystem  SubjectType = "system"
)

const ServerVersion = "0.1.4"
const ApiVersion = "0.1.0"

const (
	IdentityTokenType = "id"
	UnknownTokenType  = "unknown"
)
