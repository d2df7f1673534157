package contracts

import "fmt"

// LinkType is the fixed type reference every link-contract carries.
const LinkType = "link@1.0.0"

// LinkEndpoint identifies one side of a link.
type LinkEndpoint struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// Link is the typed view over a contract of type link@1.0.0: a directed
// edge between two contracts, named in one direction by Name and the
// other by InverseName.
type Link struct {
	Name        string       `json:"name"`
	InverseName string       `json:"inverseName"`
	From        LinkEndpoint `json:"from"`
	To          LinkEndpoint `json:"to"`
}

// AsLink extracts the typed view from a link-contract's data. Returns an
// error if any of the required fields is missing or malformed.
func AsLink(c *Contract) (*Link, error) {
	if c.Type != LinkType {
		return nil, fmt.Errorf("contracts: %s is not a %s contract", c.Slug, LinkType)
	}

	name, _ := c.Data["name"].(string)
	inverseName, _ := c.Data["inverseName"].(string)
	if name == "" || inverseName == "" {
		return nil, fmt.Errorf("contracts: link %s missing name/inverseName", c.Slug)
	}

	from, err := asEndpoint(c.Data["from"])
	if err != nil {
		return nil, fmt.Errorf("contracts: link %s: from: %w", c.Slug, err)
	}
	to, err := asEndpoint(c.Data["to"])
	if err != nil {
		return nil, fmt.Errorf("contracts: link %s: to: %w", c.Slug, err)
	}

	return &Link{Name: name, InverseName: inverseName, From: *from, To: *to}, nil
}

func asEndpoint(v interface{}) (*LinkEndpoint, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("endpoint must be an object")
	}
	id, _ := m["id"].(string)
	typ, _ := m["type"].(string)
	if id == "" || typ == "" {
		return nil, fmt.Errorf("endpoint requires id and type")
	}
	return &LinkEndpoint{ID: id, Type: typ}, nil
}

// NewLinkData builds the data payload for a new link-contract.
func NewLinkData(name, inverseName string, from, to LinkEndpoint) map[string]interface{} {
	return map[string]interface{}{
		"name":        name,
		"inverseName": inverseName,
		"from":        map[string]interface{}{"id": from.ID, "type": from.Type},
		"to":          map[string]interface{}{"id": to.ID, "type": to.Type},
	}
}
