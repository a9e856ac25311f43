// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ociclient

import (
	"github.com/ocimirror/ocimirror/pkg/ociref"
)

// Privilege is the access level an operation needs against a registry.
type Privilege int

const (
	// PrivilegeRead covers manifest and blob fetches and tag listing.
	PrivilegeRead Privilege = iota
	// PrivilegeReadWrite additionally covers blob upload, manifest put and
	// manifest delete.
	PrivilegeReadWrite
)

func (p Privilege) String() string {
	if p == PrivilegeReadWrite {
		return "readwrite"
	}
	return "read"
}

// scope returns the token scope actions for the privilege, per the Docker
// token auth spec.
func (p Privilege) scope() string {
	if p == PrivilegeReadWrite {
		return "pull,push"
	}
	return "pull"
}

// Credential authenticates requests to one registry on behalf of one
// operation. It is resolved per operation and never persisted by the client.
type Credential struct {
	Username string
	Password string
}

// IsZero reports whether the credential is empty, meaning anonymous access.
func (c Credential) IsZero() bool { return c == Credential{} }

// CredentialFunc resolves a credential for a reference at a privilege level.
//
// Implementations should return ErrCredentialsUnavailable (possibly wrapped)
// when no credential is known and allowAnonymous is false. When
// allowAnonymous is true a zero Credential with a nil error means the
// operation proceeds unauthenticated.
//
// The client requests PrivilegeRead with allowAnonymous=true for all fetch
// operations, and PrivilegeReadWrite with allowAnonymous=false for every
// operation that mutates the target registry.
type CredentialFunc func(ref ociref.Reference, priv Privilege, allowAnonymous bool) (Credential, error)

// credential resolves the credential for one operation. A nil resolver
// grants anonymous access for reads and fails writes that a registry would
// need a credential for only when the registry challenges.
func (c *Client) credential(ref ociref.Reference, priv Privilege) (Credential, error) {
	if c.creds == nil {
		return Credential{}, nil
	}
	allowAnonymous := priv == PrivilegeRead
	cred, err := c.creds(ref, priv, allowAnonymous)
	if err != nil {
		return Credential{}, err
	}
	return cred, nil
}
