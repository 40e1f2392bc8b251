package storage

import "github.com/ory/fosite"

// Client is an OAuth client record with registration metadata.
type Client struct {
	ID            string
	Secret        []byte
	RedirectURIs  []string
	Scopes        []string
	GrantTypes    []string
	ResponseTypes []string
	Audience      []string
	Public        bool

	CreatedAt int64
}

func (c *Client) ToFositeClient() *fosite.DefaultClient {
	return &fosite.DefaultClient{
		ID:            c.ID,
		Secret:        c.Secret,
		RedirectURIs:  c.RedirectURIs,
		Scopes:        c.Scopes,
		GrantTypes:    c.GrantTypes,
		ResponseTypes: c.ResponseTypes,
		Audience:      c.Audience,
		Public:        c.Public,
	}
}
