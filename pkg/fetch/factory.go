package fetch

import (
	"github.com/sirupsen/logrus"

	"github.com/noname-app/site-crawler/pkg/config"
)

// NewSessionFactory picks the renderer named in cfg. cfg must be validated.
func NewSessionFactory(cfg *config.AppConfig, log *logrus.Entry) (SessionFactory, error) {
	policy, err := NewPolicy(cfg.ScriptDenylist)
	if err != nil {
		return nil, err
	}
	if cfg.Renderer == config.RendererHTTP {
		log.Info("Using static HTTP renderer")
		return NewHTTPFactory(NewClient(cfg.HTTPClientSettings, log), cfg.UserAgent, policy, log), nil
	}
	log.Info("Using headless browser renderer")
	return NewBrowserFactory(BrowserOptions{
		UserAgent: cfg.UserAgent,
		Headless:  cfg.HeadlessEnabled(),
		ExecPath:  cfg.ChromePath,
	}, policy, log), nil
}
