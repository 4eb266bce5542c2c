// SPDX-License-Identifier: MPL-2.0

package manifest

// document mirrors #Manifest. Field tags follow the JSON names CUE decodes with.
type (
	document struct {
		ManifestVersion int                     `json:"manifest_version"`
		Application     applicationDoc          `json:"application"`
		Variables       map[string]variableDoc  `json:"variables,omitempty"`
		Trigger         triggersDoc             `json:"trigger,omitempty"`
		Component       map[string]componentDoc `json:"component"`
	}

	applicationDoc struct {
		Name        string   `json:"name"`
		Version     string   `json:"version,omitempty"`
		Description string   `json:"description,omitempty"`
		Authors     []string `json:"authors,omitempty"`
	}

	variableDoc struct {
		Default     *string `json:"default,omitempty"`
		Required    bool    `json:"required,omitempty"`
		Secret      bool    `json:"secret,omitempty"`
		Description string  `json:"description,omitempty"`
	}

	triggersDoc struct {
		HTTP    []httpTriggerDoc    `json:"http,omitempty"`
		Redis   []redisTriggerDoc   `json:"redis,omitempty"`
		MQTT    []mqttTriggerDoc    `json:"mqtt,omitempty"`
		SQS     []sqsTriggerDoc     `json:"sqs,omitempty"`
		Command []commandTriggerDoc `json:"command,omitempty"`
	}

	httpTriggerDoc struct {
		ID        string `json:"id,omitempty"`
		Component string `json:"component"`
		Route     string `json:"route"`
		Executor  string `json:"executor,omitempty"`
	}

	redisTriggerDoc struct {
		ID                string `json:"id,omitempty"`
		Component         string `json:"component"`
		Channel           string `json:"channel"`
		Address           string `json:"address,omitempty"`
		DeadLetterChannel string `json:"dead_letter_channel,omitempty"`
		MaxAttempts       int    `json:"max_attempts,omitempty"`
		Backoff           string `json:"backoff,omitempty"`
	}

	mqttTriggerDoc struct {
		ID              string `json:"id,omitempty"`
		Component       string `json:"component"`
		Topic           string `json:"topic"`
		Address         string `json:"address,omitempty"`
		QoS             *int   `json:"qos,omitempty"`
		DeadLetterTopic string `json:"dead_letter_topic,omitempty"`
		MaxAttempts     int    `json:"max_attempts,omitempty"`
		Backoff         string `json:"backoff,omitempty"`
	}

	sqsTriggerDoc struct {
		ID                 string `json:"id,omitempty"`
		Component          string `json:"component"`
		QueueURL           string `json:"queue_url"`
		DeadLetterQueueURL string `json:"dead_letter_queue_url,omitempty"`
		MaxAttempts        int    `json:"max_attempts,omitempty"`
		Backoff            string `json:"backoff,omitempty"`
	}

	commandTriggerDoc struct {
		ID        string `json:"id,omitempty"`
		Component string `json:"component"`
		Args      string `json:"args,omitempty"`
	}

	componentDoc struct {
		// Source is a string (file path) or a table with inline, url or path.
		Source               any               `json:"source"`
		Description          string            `json:"description,omitempty"`
		AllowedOutboundHosts []string          `json:"allowed_outbound_hosts,omitempty"`
		KeyValueStores       []string          `json:"key_value_stores,omitempty"`
		AllowedEnv           []string          `json:"allowed_env,omitempty"`
		Environment          map[string]string `json:"environment,omitempty"`
		Variables            map[string]string `json:"variables,omitempty"`
		Limits               *limitsDoc        `json:"limits,omitempty"`
	}

	limitsDoc struct {
		Memory   string `json:"memory,omitempty"`
		MaxSteps uint64 `json:"max_steps,omitempty"`
		Timeout  string `json:"timeout,omitempty"`
	}
)
