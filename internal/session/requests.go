package session

import (
	"context"
	"log/slog"

	"github.com/cpsdqs/aof/internal/fetcher"
	"github.com/cpsdqs/aof/internal/store"
	"github.com/vmihailenco/msgpack/v5"
)

// Router implements Handler by dispatching each named request onto the
// store and fetcher orchestrator.
type Router struct {
	Store *store.Store
	Fetch *fetcher.Orchestrator
	Log   *slog.Logger
}

func simpleOK() []byte { return mustMsgpack(map[string]any{"success": true}) }

func simpleErr(kind store.Kind) []byte {
	return mustMsgpack(map[string]any{"success": false, "error": string(kind)})
}

func fromStoreErr(err error) []byte {
	return simpleErr(store.AsKind(err))
}

// Handle decodes payload per name, calls the matching store/fetcher
// operation, and msgpack-encodes the result. ok=false means the caller
// should send an 0xCC error-response frame instead (reserved for
// protocol-level failures; recoverable errors are always ok=true with a
// {success:false,error} payload per §7's policy).
func (r *Router) Handle(userID int64, exclude any, name string, payload []byte) ([]byte, string, bool) {
	switch name {
	case "user_client_key":
		return r.userClientKey(userID)
	case "user_secret_key":
		return r.userSecretKey(userID)
	case "user_tokens":
		return r.userTokens(userID)
	case "user_sources":
		return r.userSources(userID)
	case "user_domains":
		return r.userDomains(userID)
	case "public_domains":
		return r.publicDomains()
	case "user_rss_auth_keys":
		return r.userRssAuthKeys(userID)
	case "user_regen_client_key":
		return r.userRegenClientKey(userID)
	case "user_change_name":
		return r.userChangeName(userID, payload)
	case "user_change_password":
		return r.userChangePassword(userID, payload)
	case "user_change_secret_key":
		return r.userChangeSecretKey(userID, payload)
	case "user_delete":
		return r.userDelete(userID, payload)
	case "source":
		return r.source(payload)
	case "source_item":
		return r.sourceItem(userID, payload)
	case "source_item_data":
		return r.sourceItemContent(userID, payload)
	case "source_user_data":
		return r.sourceUserData(userID, payload)
	case "source_item_user_data":
		return r.sourceItemUserData(userID, payload)
	case "user_subscribe_source":
		return r.subscribeSource(userID, payload)
	case "user_unsubscribe_source":
		return r.unsubscribeSource(userID, payload)
	case "user_delete_source":
		return r.deleteSource(userID, payload)
	case "user_request_source":
		return r.requestSource(userID, payload)
	case "user_request_source_item":
		return r.requestSourceItem(userID, payload)
	case "set_source_user_data":
		return r.setSourceUserData(userID, exclude, payload)
	case "set_source_item_user_data":
		return r.setSourceItemUserData(userID, exclude, payload)
	case "user_create_domain":
		return r.createDomain(userID, payload)
	case "user_update_domain":
		return r.updateDomain(userID, payload)
	case "user_delete_domain":
		return r.deleteDomain(userID, payload)
	case "domain":
		return r.domain(payload)
	case "domain_script":
		return r.domainScript(userID, payload)
	case "user_subscribe_domain":
		return r.subscribeDomain(userID, payload)
	case "user_unsubscribe_domain":
		return r.unsubscribeDomain(userID, payload)
	case "user_create_rss_auth_key":
		return r.createRssAuthKey(userID, payload)
	case "user_delete_rss_auth_key":
		return r.deleteRssAuthKey(userID, payload)
	default:
		return nil, "", false
	}
}

type uriParam struct {
	URI string `msgpack:"uri"`
}

func decode[T any](payload []byte) (T, error) {
	var v T
	err := msgpack.Unmarshal(payload, &v)
	return v, err
}

func (r *Router) userClientKey(userID int64) ([]byte, string, bool) {
	u, err := r.Store.UserByID(userID)
	if err != nil {
		return fromStoreErr(err), "", true
	}
	return mustMsgpack(map[string]any{"client_key": u.ClientKey}), "", true
}

// userSecretKey returns the encrypted secret-key envelope; the client-key
// needed to decrypt it is fetched separately via user_client_key.
func (r *Router) userSecretKey(userID int64) ([]byte, string, bool) {
	u, err := r.Store.UserByID(userID)
	if err != nil {
		return fromStoreErr(err), "", true
	}
	return mustMsgpack(map[string]any{"secret_key_env": u.SecretKeyEnv}), "", true
}

func (r *Router) userTokens(userID int64) ([]byte, string, bool) {
	u, err := r.Store.UserByID(userID)
	if err != nil {
		return fromStoreErr(err), "", true
	}
	return mustMsgpack(map[string]any{"tokens": u.TokenBudget}), "", true
}

func (r *Router) userSources(userID int64) ([]byte, string, bool) {
	list, err := r.Store.UserSourcesList(userID)
	if err != nil {
		return fromStoreErr(err), "", true
	}
	return mustMsgpack(list), "", true
}

func (r *Router) userDomains(userID int64) ([]byte, string, bool) {
	list, err := r.Store.UserDomains(userID)
	if err != nil {
		return fromStoreErr(err), "", true
	}
	return mustMsgpack(list), "", true
}

func (r *Router) publicDomains() ([]byte, string, bool) {
	list, err := r.Store.PublicDomains()
	if err != nil {
		return fromStoreErr(err), "", true
	}
	return mustMsgpack(list), "", true
}

func (r *Router) userRssAuthKeys(userID int64) ([]byte, string, bool) {
	list, err := r.Store.UserRssAuthKeys(userID)
	if err != nil {
		return fromStoreErr(err), "", true
	}
	return mustMsgpack(list), "", true
}

func (r *Router) userRegenClientKey(userID int64) ([]byte, string, bool) {
	key, err := r.Store.RegenClientKey(userID)
	if err != nil {
		return fromStoreErr(err), "", true
	}
	return mustMsgpack(map[string]any{"client_key": key}), "", true
}

func (r *Router) userChangeName(userID int64, payload []byte) ([]byte, string, bool) {
	p, err := decode[struct {
		NewName string `msgpack:"new_name"`
	}](payload)
	if err != nil {
		return simpleErr(store.KindInvalid), "", true
	}
	if err := r.Store.ChangeName(userID, p.NewName); err != nil {
		return fromStoreErr(err), "", true
	}
	return simpleOK(), "", true
}

func (r *Router) userChangePassword(userID int64, payload []byte) ([]byte, string, bool) {
	p, err := decode[struct {
		Password    string `msgpack:"password"`
		NewPassword string `msgpack:"new_password"`
	}](payload)
	if err != nil {
		return simpleErr(store.KindInvalid), "", true
	}
	if err := r.Store.ChangePassword(userID, p.Password, p.NewPassword); err != nil {
		return fromStoreErr(err), "", true
	}
	return simpleOK(), "", true
}

func (r *Router) userChangeSecretKey(userID int64, payload []byte) ([]byte, string, bool) {
	p, err := decode[struct {
		Password     string `msgpack:"password"`
		NewSecretKey []byte `msgpack:"new_secret_key"`
	}](payload)
	if err != nil {
		return simpleErr(store.KindInvalid), "", true
	}
	if err := r.Store.ChangeSecretKey(userID, p.Password, p.NewSecretKey); err != nil {
		return fromStoreErr(err), "", true
	}
	return simpleOK(), "", true
}

func (r *Router) userDelete(userID int64, payload []byte) ([]byte, string, bool) {
	p, err := decode[struct {
		Password string `msgpack:"password"`
	}](payload)
	if err != nil {
		return simpleErr(store.KindInvalid), "", true
	}
	if err := r.Store.DeleteUser(userID, p.Password); err != nil {
		return fromStoreErr(err), "", true
	}
	return simpleOK(), "", true
}

func (r *Router) source(payload []byte) ([]byte, string, bool) {
	p, err := decode[uriParam](payload)
	if err != nil {
		return simpleErr(store.KindInvalidURI), "", true
	}
	uri, err := store.CanonicalizeURI(p.URI)
	if err != nil {
		return fromStoreErr(err), "", true
	}
	hash, date, err := r.Store.LatestUserSourceVersion(uri.String())
	if err != nil {
		return fromStoreErr(err), "", true
	}
	if hash == nil {
		return mustMsgpack(map[string]any{"success": false, "error": string(store.KindNotFound)}), "", true
	}
	sv, err := r.Store.GetSourceVersion(uri.String(), *hash)
	if err != nil {
		return fromStoreErr(err), "", true
	}
	return mustMsgpack(map[string]any{
		"success": true, "hash": *hash, "date": date, "metadata": sv.Metadata, "items": sv.Items,
	}), "", true
}

// sourceItem returns the requesting user's pointer state for an item:
// its current version hash and fetch date, without the decompressed
// content (use source_item_data for that).
func (r *Router) sourceItem(userID int64, payload []byte) ([]byte, string, bool) {
	p, err := decode[uriParam](payload)
	if err != nil {
		return simpleErr(store.KindInvalidURI), "", true
	}
	uri, err := store.CanonicalizeURI(p.URI)
	if err != nil {
		return fromStoreErr(err), "", true
	}
	ptr, err := r.Store.GetUserItemPointer(userID, uri.String())
	if err != nil {
		return fromStoreErr(err), "", true
	}
	return mustMsgpack(map[string]any{
		"success": true, "hash": ptr.VersionHash, "date": ptr.VersionDate,
	}), "", true
}

// sourceItemContent decompresses and returns the tag map of the item
// version the requesting user currently points at.
func (r *Router) sourceItemContent(userID int64, payload []byte) ([]byte, string, bool) {
	p, err := decode[uriParam](payload)
	if err != nil {
		return simpleErr(store.KindInvalidURI), "", true
	}
	uri, err := store.CanonicalizeURI(p.URI)
	if err != nil {
		return fromStoreErr(err), "", true
	}
	ptr, err := r.Store.GetUserItemPointer(userID, uri.String())
	if err != nil {
		return fromStoreErr(err), "", true
	}
	if ptr.VersionHash == nil {
		return mustMsgpack(map[string]any{"success": false, "error": string(store.KindNotFound)}), "", true
	}
	tags, lastUpdated, err := r.Store.GetItemVersion(uri.String(), *ptr.VersionHash)
	if err != nil {
		return fromStoreErr(err), "", true
	}
	return mustMsgpack(map[string]any{
		"success": true, "tags": tags, "last_updated": lastUpdated,
	}), "", true
}

func (r *Router) sourceUserData(userID int64, payload []byte) ([]byte, string, bool) {
	p, err := decode[uriParam](payload)
	if err != nil {
		return simpleErr(store.KindInvalidURI), "", true
	}
	uri, err := store.CanonicalizeURI(p.URI)
	if err != nil {
		return fromStoreErr(err), "", true
	}
	ptr, err := r.Store.GetUserSourcePointer(userID, uri.String())
	if err != nil {
		return fromStoreErr(err), "", true
	}
	return mustMsgpack(map[string]any{"success": true, "data": ptr.UserData}), "", true
}

func (r *Router) sourceItemUserData(userID int64, payload []byte) ([]byte, string, bool) {
	p, err := decode[uriParam](payload)
	if err != nil {
		return simpleErr(store.KindInvalidURI), "", true
	}
	uri, err := store.CanonicalizeURI(p.URI)
	if err != nil {
		return fromStoreErr(err), "", true
	}
	ptr, err := r.Store.GetUserItemPointer(userID, uri.String())
	if err != nil {
		return fromStoreErr(err), "", true
	}
	return mustMsgpack(map[string]any{"success": true, "data": ptr.UserData}), "", true
}

func (r *Router) subscribeSource(userID int64, payload []byte) ([]byte, string, bool) {
	p, err := decode[uriParam](payload)
	if err != nil {
		return simpleErr(store.KindInvalidURI), "", true
	}
	uri, err := store.CanonicalizeURI(p.URI)
	if err != nil {
		return fromStoreErr(err), "", true
	}
	if err := r.Store.Subscribe(userID, uri.String()); err != nil {
		return fromStoreErr(err), "", true
	}
	return simpleOK(), "", true
}

func (r *Router) unsubscribeSource(userID int64, payload []byte) ([]byte, string, bool) {
	p, err := decode[uriParam](payload)
	if err != nil {
		return simpleErr(store.KindInvalidURI), "", true
	}
	uri, err := store.CanonicalizeURI(p.URI)
	if err != nil {
		return fromStoreErr(err), "", true
	}
	if err := r.Store.Unsubscribe(userID, uri.String()); err != nil {
		return fromStoreErr(err), "", true
	}
	return simpleOK(), "", true
}

func (r *Router) deleteSource(userID int64, payload []byte) ([]byte, string, bool) {
	p, err := decode[uriParam](payload)
	if err != nil {
		return simpleErr(store.KindInvalidURI), "", true
	}
	uri, err := store.CanonicalizeURI(p.URI)
	if err != nil {
		return fromStoreErr(err), "", true
	}
	if err := r.Store.UserDeleteSource(userID, uri.String()); err != nil {
		return fromStoreErr(err), "", true
	}
	return simpleOK(), "", true
}

func (r *Router) requestSource(userID int64, payload []byte) ([]byte, string, bool) {
	p, err := decode[uriParam](payload)
	if err != nil {
		return simpleErr(store.KindInvalidURI), "", true
	}
	uid := userID
	r.Fetch.Submit(context.Background(), fetcher.FetchRequest{UserID: &uid, Kind: fetcher.KindSource, URI: p.URI})
	return simpleOK(), "", true
}

func (r *Router) requestSourceItem(userID int64, payload []byte) ([]byte, string, bool) {
	p, err := decode[uriParam](payload)
	if err != nil {
		return simpleErr(store.KindInvalidURI), "", true
	}
	uid := userID
	r.Fetch.Submit(context.Background(), fetcher.FetchRequest{UserID: &uid, Kind: fetcher.KindItem, URI: p.URI})
	return simpleOK(), "", true
}

func (r *Router) setSourceUserData(userID int64, exclude any, payload []byte) ([]byte, string, bool) {
	p, err := decode[struct {
		URI  string `msgpack:"uri"`
		Data []byte `msgpack:"data"`
	}](payload)
	if err != nil {
		return simpleErr(store.KindInvalid), "", true
	}
	if err := r.Store.UserUpdateSourceData(userID, p.URI, p.Data, exclude); err != nil {
		return fromStoreErr(err), "", true
	}
	return simpleOK(), "", true
}

func (r *Router) setSourceItemUserData(userID int64, exclude any, payload []byte) ([]byte, string, bool) {
	p, err := decode[struct {
		URI  string `msgpack:"uri"`
		Data []byte `msgpack:"data"`
	}](payload)
	if err != nil {
		return simpleErr(store.KindInvalid), "", true
	}
	if err := r.Store.UserUpdateSourceItemData(userID, p.URI, p.Data, exclude); err != nil {
		return fromStoreErr(err), "", true
	}
	return simpleOK(), "", true
}

func (r *Router) createDomain(userID int64, payload []byte) ([]byte, string, bool) {
	p, err := decode[struct {
		Abbrev string `msgpack:"abbrev"`
		Name   string `msgpack:"name"`
	}](payload)
	if err != nil {
		return simpleErr(store.KindInvalid), "", true
	}
	id, err := r.Store.CreateDomain(userID, p.Abbrev, p.Name)
	if err != nil {
		return fromStoreErr(err), "", true
	}
	return mustMsgpack(map[string]any{"success": true, "id": id}), "", true
}

func (r *Router) updateDomain(userID int64, payload []byte) ([]byte, string, bool) {
	p, err := decode[struct {
		ID          string `msgpack:"id"`
		Abbrev      string `msgpack:"abbrev"`
		Name        string `msgpack:"name"`
		Description string `msgpack:"description"`
		IsPublic    bool   `msgpack:"is_public"`
		Script      string `msgpack:"script"`
	}](payload)
	if err != nil {
		return simpleErr(store.KindInvalid), "", true
	}
	err = r.Store.UpdateDomain(userID, p.ID, store.UpdateDomainFields{
		Abbrev: p.Abbrev, Name: p.Name, Description: p.Description, IsPublic: p.IsPublic, Script: p.Script,
	})
	if err != nil {
		return fromStoreErr(err), "", true
	}
	return simpleOK(), "", true
}

func (r *Router) deleteDomain(userID int64, payload []byte) ([]byte, string, bool) {
	p, err := decode[struct {
		ID string `msgpack:"id"`
	}](payload)
	if err != nil {
		return simpleErr(store.KindInvalid), "", true
	}
	if err := r.Store.DeleteDomain(userID, p.ID); err != nil {
		return fromStoreErr(err), "", true
	}
	return simpleOK(), "", true
}

func (r *Router) domain(payload []byte) ([]byte, string, bool) {
	p, err := decode[struct {
		ID string `msgpack:"id"`
	}](payload)
	if err != nil {
		return simpleErr(store.KindInvalid), "", true
	}
	d, err := r.Store.DomainByID(p.ID)
	if err != nil {
		return fromStoreErr(err), "", true
	}
	return mustMsgpack(map[string]any{
		"success": true, "id": d.ID, "abbrev": d.Abbrev, "name": d.Name,
		"description": d.Description, "is_public": d.IsPublic, "owner_user_id": d.OwnerUserID,
	}), "", true
}

func (r *Router) domainScript(userID int64, payload []byte) ([]byte, string, bool) {
	p, err := decode[struct {
		ID string `msgpack:"id"`
	}](payload)
	if err != nil {
		return simpleErr(store.KindInvalid), "", true
	}
	d, err := r.Store.DomainByID(p.ID)
	if err != nil {
		return fromStoreErr(err), "", true
	}
	if d.OwnerUserID != userID {
		return fromStoreErr(store.ErrForbidden), "", true
	}
	return mustMsgpack(map[string]any{"success": true, "script": d.Script}), "", true
}

func (r *Router) subscribeDomain(userID int64, payload []byte) ([]byte, string, bool) {
	p, err := decode[struct {
		ID string `msgpack:"id"`
	}](payload)
	if err != nil {
		return simpleErr(store.KindInvalid), "", true
	}
	if err := r.Store.SubscribeDomain(userID, p.ID); err != nil {
		return fromStoreErr(err), "", true
	}
	return simpleOK(), "", true
}

func (r *Router) unsubscribeDomain(userID int64, payload []byte) ([]byte, string, bool) {
	p, err := decode[struct {
		ID string `msgpack:"id"`
	}](payload)
	if err != nil {
		return simpleErr(store.KindInvalid), "", true
	}
	if err := r.Store.UnsubscribeDomain(userID, p.ID); err != nil {
		return fromStoreErr(err), "", true
	}
	return simpleOK(), "", true
}

func (r *Router) createRssAuthKey(userID int64, payload []byte) ([]byte, string, bool) {
	p, err := decode[struct {
		Label *string `msgpack:"label"`
	}](payload)
	if err != nil {
		return simpleErr(store.KindInvalid), "", true
	}
	label := ""
	if p.Label != nil {
		label = *p.Label
	}
	key, err := r.Store.CreateRssAuthKey(userID, label)
	if err != nil {
		return fromStoreErr(err), "", true
	}
	return mustMsgpack(map[string]any{"success": true, "key": key.Key}), "", true
}

func (r *Router) deleteRssAuthKey(userID int64, payload []byte) ([]byte, string, bool) {
	p, err := decode[struct {
		Key string `msgpack:"key"`
	}](payload)
	if err != nil {
		return simpleErr(store.KindInvalid), "", true
	}
	if err := r.Store.DeleteRssAuthKey(userID, p.Key); err != nil {
		return fromStoreErr(err), "", true
	}
	return simpleOK(), "", true
}
