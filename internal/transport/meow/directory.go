package meow

import (
	"context"

	"go.mau.fi/whatsmeow/types"
)

// ResolveAlias dereferences a hidden-user alias to the account's stored
// phone-number identity. Anything that is not an alias, or has no
// stored mapping, passes through unresolved.
func (d *Driver) ResolveAlias(ctx context.Context, accountID, alias string) (string, bool) {
	c := d.lookup(accountID)
	if c == nil {
		return "", false
	}
	jid, err := types.ParseJID(alias)
	if err != nil || jid.Server != types.HiddenUserServer {
		return "", false
	}
	pn, err := c.client.Store.LIDs.GetPNForLID(ctx, jid)
	if err != nil || pn.IsEmpty() {
		return "", false
	}
	return pn.String(), true
}

// DisplayName resolves a contact or group label from the account's
// synced address book.
func (d *Driver) DisplayName(ctx context.Context, accountID, identity string) (string, bool) {
	c := d.lookup(accountID)
	if c == nil {
		return "", false
	}
	jid, err := types.ParseJID(identity)
	if err != nil {
		return "", false
	}
	if jid.Server == types.GroupServer {
		info, err := c.client.GetGroupInfo(ctx, jid)
		if err != nil || info.Name == "" {
			return "", false
		}
		return info.Name, true
	}
	contact, err := c.client.Store.Contacts.GetContact(ctx, jid)
	if err != nil || !contact.Found {
		return "", false
	}
	if contact.FullName != "" {
		return contact.FullName, true
	}
	if contact.PushName != "" {
		return contact.PushName, true
	}
	return "", false
}
