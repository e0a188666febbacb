// Package users maps the remote user directory onto local accounts.
package users

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-logr/logr"

	"github.com/lherron/crmsync/internal/bitrix"
	"github.com/lherron/crmsync/internal/docstore"
	"github.com/lherron/crmsync/internal/domain"
)

// Account fields.
const (
	FieldEmail  = "email"
	FieldPerson = "person"
	FieldName   = "name"
	FieldCity   = "city"
)

// Reconciler resolves remote users to local accounts, creating missing ones.
type Reconciler struct {
	remote bitrix.Caller
	store  docstore.Client
	log    logr.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(remote bitrix.Caller, store docstore.Client, log logr.Logger) *Reconciler {
	return &Reconciler{remote: remote, store: store, log: log.WithName("users")}
}

// Reconcile pages through the directory and returns remote user id to local
// account id. The reported total is re-read after every page; paging also
// stops on an empty page or when the remote reports no next page.
func (r *Reconciler) Reconcile(ctx context.Context) (domain.IdentityMap, error) {
	accounts, err := r.store.FindAll(ctx, domain.ClassAccount, docstore.Query{})
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}
	byEmail := make(map[string]string, len(accounts))
	for _, a := range accounts {
		if email := a.Fields.String(FieldEmail); email != "" {
			byEmail[email] = a.ID
		}
	}

	identities := domain.IdentityMap{}
	start, total, created := 0, -1, 0
	for total < 0 || len(identities) < total {
		resp, err := r.remote.Call(ctx, bitrix.MethodUserGet, map[string]any{"start": start})
		if err != nil {
			return identities, fmt.Errorf("failed to list users at %d: %w", start, err)
		}
		var page []bitrix.User
		if err := resp.Decode(&page); err != nil {
			return identities, err
		}
		total = resp.Total

		n, err := r.mapPage(ctx, page, byEmail, identities)
		created += n
		if err != nil {
			return identities, err
		}

		if len(page) == 0 || resp.Next == nil {
			break
		}
		start = *resp.Next
	}

	r.log.Info("users reconciled", "users", len(identities), "created", created)
	return identities, nil
}

// mapPage records every user of page and creates accounts for unknown emails
// in one transaction.
func (r *Reconciler) mapPage(ctx context.Context, page []bitrix.User, byEmail map[string]string, identities domain.IdentityMap) (int, error) {
	var missing []bitrix.User
	for _, u := range page {
		email := strings.TrimSpace(u.Email)
		if email == "" {
			identities[string(u.ID)] = domain.SystemAccount
			continue
		}
		if id, ok := byEmail[email]; ok {
			identities[string(u.ID)] = id
			continue
		}
		missing = append(missing, u)
	}
	if len(missing) == 0 {
		return 0, nil
	}

	tx, err := r.store.Apply(ctx, "users")
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	created := 0
	for _, u := range missing {
		email := strings.TrimSpace(u.Email)
		// Duplicate emails within one page resolve to the first account.
		if id, ok := byEmail[email]; ok {
			identities[string(u.ID)] = id
			continue
		}
		id, err := createAccount(ctx, tx, u, email)
		if err != nil {
			return 0, err
		}
		byEmail[email] = id
		identities[string(u.ID)] = id
		created++
		r.log.V(1).Info("account created", "remoteId", u.ID, "email", email)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit accounts: %w", err)
	}
	return created, nil
}

func createAccount(ctx context.Context, tx docstore.Tx, u bitrix.User, email string) (string, error) {
	person := &domain.Document{
		Class: domain.ClassPerson,
		Fields: domain.Fields{
			FieldName: PersonName(u.Name, u.LastName),
			FieldCity: u.City,
		},
	}
	if err := tx.CreateDoc(ctx, person); err != nil {
		return "", fmt.Errorf("failed to create person for %s: %w", email, err)
	}

	account := &domain.Document{
		Class: domain.ClassAccount,
		Fields: domain.Fields{
			FieldEmail:  email,
			FieldPerson: person.ID,
		},
	}
	if err := tx.CreateDoc(ctx, account); err != nil {
		return "", fmt.Errorf("failed to create account for %s: %w", email, err)
	}
	trait := domain.SyncTrait{RemoteType: domain.EntityUser, RemoteID: string(u.ID)}
	if err := tx.CreateMixin(ctx, account.ID, domain.SyncMixin, trait.Fields()); err != nil {
		return "", err
	}
	return account.ID, nil
}

// PersonName combines names the way person documents store them: "Last,First".
func PersonName(first, last string) string {
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)
	switch {
	case last == "":
		return first
	case first == "":
		return last
	}
	return last + "," + first
}
