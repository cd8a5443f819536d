package backend

type Config struct {
	Backends struct {
		Default string `yaml:"default"`
		Cloud   struct {
			Endpoint   string `yaml:"endpoint"`
			Token      string `yaml:"token"`
			APIVersion string `yaml:"api_version"`
		} `yaml:"cloud"`
		Local struct {
			StatePath string `yaml:"state_path"`
			WorkDir   string `yaml:"work_dir"`
			Shell     string `yaml:"shell"`
			Docker    bool   `yaml:"docker"`
		} `yaml:"local"`
		HostPool struct {
			Hosts []struct {
				Name    string `yaml:"name"`
				IP      string `yaml:"ip"`
				User    string `yaml:"user"`
				KeyPath string `yaml:"key_path"`
				Port    int    `yaml:"port"`
			} `yaml:"hosts"`
		} `yaml:"hostpool"`
	} `yaml:"backends"`
	Storage struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Region    string `yaml:"region"`
		UseSSL    bool   `yaml:"use_ssl"`
		Bucket    string `yaml:"bucket"`
	} `yaml:"storage"`
	SSH struct {
		KeyDir     string `yaml:"key_dir"`
		KnownHosts string `yaml:"known_hosts"`
	} `yaml:"ssh"`
	Defaults struct {
		User           string `yaml:"user"`
		SSHPort        int    `yaml:"ssh_port"`
		Retries        int    `yaml:"retries"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		PollSeconds    int    `yaml:"poll_seconds"`
		MonitorMinutes int    `yaml:"monitor_minutes"`
	} `yaml:"defaults"`
	Telemetry struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"telemetry"`
}
