// Package privacy provides the write policies a flush evaluates for every
// pending change before any statement reaches the backend.
//
// A Rule returns Allow, Deny or Skip, possibly wrapped. A Policy evaluates
// its rules in order until one returns something other than Skip. A change
// that no rule decides is accepted, so policies meant to reject by default
// end with AlwaysDeny:
//
//	f := flush.New(backend, flush.WithPolicy(privacy.Policy{
//	    privacy.RequireActor(),
//	    privacy.OnEntity(privacy.DenyOp(persist.OpDelete), "Invoice"),
//	    privacy.RoleAllowed("editor"),
//	    privacy.OwnedBy("owner_id"),
//	    privacy.AlwaysDeny(),
//	}))
//
//	ctx = privacy.WithActor(ctx, &privacy.Actor{ID: "42", Roles: []string{"viewer"}})
//	summary, err := f.Flush(ctx, st)
//
// A rejected change aborts the flush with a *persist.PrivacyError.
package privacy
