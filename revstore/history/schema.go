package history

import "github.com/wbrown/janus-revstore/revstore"

// Revision atoms
var (
	KwChain      = revstore.NewKeyword(":rev/chain")       // Ref to the chain's first atom
	KwPrev       = revstore.NewKeyword(":rev/prev")        // Ref to the physical predecessor
	KwArtifact   = revstore.NewKeyword(":rev/artifact")    // Ref to the artifact key
	KwFull       = revstore.NewKeyword(":rev/full")        // atom carries every attribute
	KwCopiedFrom = revstore.NewKeyword(":rev/copied-from") // Ref to the copied revision
	KwClosure    = revstore.NewKeyword(":rev/closure")
	KwRelinked   = revstore.NewKeyword(":rev/relinked")
	KwDeleted    = revstore.NewKeyword(":rev/deleted")
	KwUnset      = revstore.NewKeyword(":rev/unset") // Keyword of a removed attribute
	KwRoot       = revstore.NewKeyword(":rev/root")  // Ref(0) on every artifact key atom
	KwBranching  = revstore.NewKeyword(":rev/branching")
)

// Binder records bind a physical chain to an artifact as its main chain or
// as one of its local chains. They form a per-artifact linked list.
var (
	KwBinderArtifact   = revstore.NewKeyword(":rcb.binder/artifact")
	KwBinderPrev       = revstore.NewKeyword(":rcb.binder/prev")
	KwBinderRefType    = revstore.NewKeyword(":rcb.binder/reftype")
	KwBinderChainStart = revstore.NewKeyword(":rcb.binder/chain-start")

	RefTypeMain  = revstore.NewKeyword(":rcb.reftype/main")
	RefTypeLocal = revstore.NewKeyword(":rcb.reftype/local")
)

// Link records tie a local chain to main chain revisions. The most recent
// begin and the most recent end for a chain are in force.
var (
	KwLinkLocalChain = revstore.NewKeyword(":rcb.link/local-chain")
	KwLinkBegin      = revstore.NewKeyword(":rcb.link/begin")
	KwLinkEnd        = revstore.NewKeyword(":rcb.link/end")
)

// Merge records pair a main chain revision with the local revision that
// incorporates it.
var (
	KwMergeLocalChain   = revstore.NewKeyword(":rcb.merge/local-chain")
	KwMergeRemoteSource = revstore.NewKeyword(":rcb.merge/remote-source")
	KwMergeLocalResult  = revstore.NewKeyword(":rcb.merge/local-result")
)

// IsRevisionAtom reports whether a is a revision
func IsRevisionAtom(a *revstore.Atom) bool {
	return a.Has(KwChain)
}

// IsStructuralAtom reports whether a changes which revisions an artifact's
// views contain
func IsStructuralAtom(a *revstore.Atom) bool {
	return a.Has(KwBinderArtifact) || a.Has(KwLinkLocalChain)
}
