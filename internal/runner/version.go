package runner

var productVersion = "dev"

// SetVersion records the build-time version string shown by --version.
func SetVersion(version string) {
	if version != "" {
		productVersion = version
	}
}

// Version returns the recorded build version.
func Version() string {
	return productVersion
}
