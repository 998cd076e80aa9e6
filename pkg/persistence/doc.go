// Package persistence stores driver manager state that must survive a
// restart: learned recovery patterns, isolated devices and the set of
// active modules.
//
// Two stores are provided. FileStore writes a single JSON document;
// BadgerStore keeps one key per item in an embedded Badger database.
package persistence
