package strategy

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"btdeck/internal/daterange"
	"btdeck/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Definition 描述一个可选策略：名称、展示用标签、允许的 symbol 与日期窗口、默认参数。
// 对应原始服务端每个策略目录下的 config.yaml，提交前在本地先做一遍同样的校验。
type Definition struct {
	Name           string         `yaml:"name"`
	Label          string         `yaml:"label"`
	AllowedSymbols []string       `yaml:"allowed_symbols"`
	StartDate      string         `yaml:"start_date"`
	EndDate        string         `yaml:"end_date"`
	Params         map[string]any `yaml:"params"`
}

type fileConfig struct {
	Strategies []Definition `yaml:"strategies"`
}

// schemaJSON 约束策略定义文件的结构，加载时校验。
const schemaJSON = `{
  "type": "object",
  "required": ["strategies"],
  "properties": {
    "strategies": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "label": {"type": "string"},
          "allowed_symbols": {"type": "array", "items": {"type": "string"}},
          "start_date": {"type": "string"},
          "end_date": {"type": "string"},
          "params": {"type": "object"}
        }
      }
    }
  }
}`

// Registry 持有策略定义并监听文件热更新。
type Registry struct {
	path string
	v    *viper.Viper

	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry 读取策略定义文件；watch=true 时监听文件变更热加载。
func NewRegistry(path string, watch bool) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("strategy registry requires path")
	}
	r := &Registry{path: path}
	if err := r.reload(); err != nil {
		return nil, err
	}
	if watch {
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read strategy config failed: %w", err)
		}
		v.OnConfigChange(func(evt fsnotify.Event) {
			if err := r.reload(); err != nil {
				logger.Errorf("策略定义热加载失败（%s）: %v", evt.Name, err)
			}
		})
		v.WatchConfig()
		r.v = v
	}
	return r, nil
}

func (r *Registry) reload() error {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("读取策略定义失败: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("解析策略定义失败: %w", err)
	}
	if err := validateSchema(doc); err != nil {
		return fmt.Errorf("策略定义不符合约束: %w", err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("解析策略定义失败: %w", err)
	}
	defs := make(map[string]Definition, len(cfg.Strategies))
	for _, def := range cfg.Strategies {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			continue
		}
		def.Name = name
		if def.Label == "" {
			def.Label = name
		}
		defs[name] = def
	}
	r.mu.Lock()
	r.defs = defs
	r.mu.Unlock()
	logger.Infof("策略定义加载完成：%d 个策略", len(defs))
	return nil
}

func validateSchema(doc map[string]any) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("strategies.json", strings.NewReader(schemaJSON)); err != nil {
		return err
	}
	schema, err := compiler.Compile("strategies.json")
	if err != nil {
		return err
	}
	// jsonschema 只认 JSON 原生类型，yaml 解出的 map 先过一遍 JSON 往返。
	buf, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var normalized any
	if err := json.Unmarshal(buf, &normalized); err != nil {
		return err
	}
	return schema.Validate(normalized)
}

// Get 返回指定策略定义。
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[strings.TrimSpace(name)]
	return def, ok
}

// List 返回按名称排序的全部策略。
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Validate 做提交前的本地校验：策略存在、symbol 在白名单内、请求范围落在允许窗口内。
// 与服务端的校验重复是有意的：这里只是提前挡掉明显无效的请求，权威结论仍在服务端。
func (r *Registry) Validate(name, symbol string, rng daterange.DateRange) error {
	def, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("未知策略: %s", name)
	}
	if len(def.AllowedSymbols) > 0 {
		allowed := false
		for _, s := range def.AllowedSymbols {
			if strings.EqualFold(strings.TrimSpace(s), symbol) {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("策略 %s 不支持 symbol %s", name, symbol)
		}
	}
	if def.StartDate != "" {
		minDay, err := daterange.ParseDay(def.StartDate)
		if err != nil {
			return fmt.Errorf("策略 %s 的 start_date 无效: %w", name, err)
		}
		if rng.Start.Before(minDay) {
			return fmt.Errorf("开始日期 %s 早于策略允许范围（%s）", rng.StartDay(), def.StartDate)
		}
	}
	if def.EndDate != "" {
		maxDay, err := daterange.ParseDay(def.EndDate)
		if err != nil {
			return fmt.Errorf("策略 %s 的 end_date 无效: %w", name, err)
		}
		if rng.End.After(maxDay) {
			return fmt.Errorf("结束日期 %s 晚于策略允许范围（%s）", rng.EndDay(), def.EndDate)
		}
	}
	return nil
}
