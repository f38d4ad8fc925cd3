// +build darwin

package platform

// NativeVMSupported reports whether the host can run the native-VM
// provider (Lima, macOS-only).
func NativeVMSupported() bool { return true }
