package main

type config struct {
	BaseURL    string `mapstructure:"base_url"`
	Secret     string `mapstructure:"secret"`
	SenderID   string `mapstructure:"sender_id"`
	SenderName string `mapstructure:"sender_name"`
	PageID     string `mapstructure:"page_id"`
	Interval   string `mapstructure:"interval"`
}
