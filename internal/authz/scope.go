package authz

// isSentinelOrg reports whether id is one of the placeholder values
// used for subjects that have not been placed into a tenant yet.
func isSentinelOrg(id string) bool {
	return id == "" || id == OrgUnassigned || id == OrgPendingAssignment
}

// InOrganization reports whether subject may act within organization
// orgID. Super admins act with authority over every organization;
// everyone else must belong to exactly that organization, and the
// sentinel "no tenant yet" ids never match.
func InOrganization(subject Subject, orgID string) bool {
	if isSentinelOrg(orgID) {
		return false
	}
	if subject.Role == RoleSuperAdmin {
		return true
	}
	if isSentinelOrg(subject.OrganizationID) {
		return false
	}
	return subject.OrganizationID == orgID
}

// InNetwork reports whether subject may act within network networkID of
// organization orgID. Company admins and super admins cover every
// network of an organization they are in; a network admin or user is
// confined to their own network.
func InNetwork(subject Subject, orgID, networkID string) bool {
	if !InOrganization(subject, orgID) {
		return false
	}
	if subject.Role == RoleCompanyAdmin || subject.Role == RoleSuperAdmin {
		return true
	}
	return networkID != "" && subject.NetworkID == networkID
}

// InScope reports containment against a Scope value: organization-wide
// when the scope names no network, network-level otherwise.
func InScope(subject Subject, scope Scope) bool {
	if scope.NetworkID == "" {
		return InOrganization(subject, scope.OrganizationID)
	}
	return InNetwork(subject, scope.OrganizationID, scope.NetworkID)
}
