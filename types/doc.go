// Package types provides the core types used across the convoflow engine.
// This package has ZERO dependencies on other convoflow packages to avoid
// circular imports. All other packages should import types from here.
package types
