package config

// Config 是 btdeck 的顶层配置。
type Config struct {
	App        AppConfig        `toml:"app"`
	Service    ServiceConfig    `toml:"service"`
	Catalog    CatalogConfig    `toml:"catalog"`
	Store      StoreConfig      `toml:"store"`
	Strategies StrategiesConfig `toml:"strategies"`
}

// AppConfig 控制运行环境、日志与报告输出。
type AppConfig struct {
	Env         string `toml:"env"`
	LogLevel    string `toml:"log_level"`
	LogPath     string `toml:"log_path"`
	ListenAddr  string `toml:"listen_addr"`
	ReportDir   string `toml:"report_dir"`
	SnapshotPNG bool   `toml:"snapshot_png"`
}

// ServiceConfig 指向外部回测/历史数据服务。
type ServiceConfig struct {
	BaseURL        string `toml:"base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	APIToken       string `toml:"api_token"`
}

// CatalogConfig 控制历史清单的定时刷新。
type CatalogConfig struct {
	RefreshCron string `toml:"refresh_cron"`
}

// StoreConfig 指定运行记录数据库位置。
type StoreConfig struct {
	Path string `toml:"path"`
}

// StrategiesConfig 指定本地策略定义文件。
type StrategiesConfig struct {
	Path  string `toml:"path"`
	Watch bool   `toml:"watch"`
}
