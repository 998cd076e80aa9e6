// Package module loads and unloads driver modules with dependency
// resolution and transactional rollback.
//
// A load resolves the dependency closure of the requested module first. A
// cycle or an unsatisfiable dependency rejects the load before anything is
// touched. Dependencies are then loaded depth-first through the Backend,
// their exported symbols published under "module::symbol" names.
//
// Loads that overlap in their closures are serialized. If a load fails with
// rollback enabled, or its deadline expires, every module it brought in is
// unloaded again in reverse order.
//
// Module lifecycle:
//
//	UNLOADED -> LOADING -> LOADED -> ACTIVE
//	               |          |        |
//	               v          v        v
//	            FAILED     (unload) (unload)
//	               |
//	      ROLLING_BACK -> UNLOADED
package module
