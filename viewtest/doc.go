// Package viewtest provides a backend-agnostic contract suite for viewcore.Store
// implementations. Driver tests call RunStoreContract with a constructed store.
package viewtest
