package config

// Global contains configuration settings that only come from the command line.
type Global struct {
	// CredentialsDirectory is the directory holding one file per secret,
	// usually provided by systemd through $CREDENTIALS_DIRECTORY.
	CredentialsDirectory string
}
