//go:build !wasip1

package guest

// HostImports returns an empty table outside wasm; calls fail with a plugin
// error and logs are dropped. Tests bind their own Imports.
func HostImports() Imports {
	return Imports{}
}
