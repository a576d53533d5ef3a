package audit

// ComplexityMetrics holds the normalized [0,1] sub-scores the timeout
// manager budgets against. Computed fresh each iteration from whatever
// evidence exists; read-only once produced.
type ComplexityMetrics struct {
	// structural
	DOMSize       float64 `json:"dom_size"`
	FormDensity   float64 `json:"form_density"`
	ScriptDensity float64 `json:"script_density"`
	IframeDensity float64 `json:"iframe_density"`
	InputDensity  float64 `json:"input_density"`
	// network
	RedirectDepth        float64 `json:"redirect_depth"`
	ExternalDomainSpread float64 `json:"external_domain_spread"`
	ExternalResourceLoad float64 `json:"external_resource_load"`
	TLSChainAnomaly      float64 `json:"tls_chain_anomaly"`
	// dynamic content
	ScreenshotVolume  float64 `json:"screenshot_volume"`
	AnimationPresence float64 `json:"animation_presence"`
	CountdownPresence float64 `json:"countdown_presence"`
	PopupPressure     float64 `json:"popup_pressure"`
	VisualNoise       float64 `json:"visual_noise"`
	SecurityFindings  float64 `json:"security_findings"`

	Composite float64 `json:"composite"`
}

const neutralMetric = 0.5

// NeutralComplexity is the all-unknown metric set used before the first
// scout pass completes.
func NeutralComplexity() ComplexityMetrics {
	m := ComplexityMetrics{
		DOMSize:              neutralMetric,
		FormDensity:          neutralMetric,
		ScriptDensity:        neutralMetric,
		IframeDensity:        neutralMetric,
		InputDensity:         neutralMetric,
		RedirectDepth:        neutralMetric,
		ExternalDomainSpread: neutralMetric,
		ExternalResourceLoad: neutralMetric,
		TLSChainAnomaly:      neutralMetric,
		ScreenshotVolume:     neutralMetric,
		AnimationPresence:    neutralMetric,
		CountdownPresence:    neutralMetric,
		PopupPressure:        neutralMetric,
		VisualNoise:          neutralMetric,
		SecurityFindings:     neutralMetric,
	}
	m.Composite = compositeOf(m)
	return m
}

// AnalyzeComplexity is a pure function over partial evidence: any absent
// input leaves its fields at the neutral value and never raises.
func AnalyzeComplexity(scout *ScoutResult, vision *VisionResult, security []SecurityResult) ComplexityMetrics {
	m := NeutralComplexity()

	if scout != nil {
		meta := scout.Metadata
		m.DOMSize = ratio(meta.DOMNodeCount, 5000)
		m.FormDensity = ratio(meta.FormCount, 10)
		m.ScriptDensity = ratio(meta.ScriptCount, 50)
		m.IframeDensity = ratio(meta.IframeCount, 5)
		m.InputDensity = ratio(meta.InputFieldCount, 20)
		m.RedirectDepth = ratio(meta.RedirectHops, 5)
		m.ExternalDomainSpread = ratio(meta.ExternalDomainCount, 20)
		m.ExternalResourceLoad = ratio(meta.ExternalResourceCount, 100)
		m.PopupPressure = ratio(meta.PopupCount, 3)
		m.AnimationPresence = boolMetric(meta.HasAnimation)
		m.CountdownPresence = boolMetric(meta.HasCountdown)
		m.TLSChainAnomaly = boolMetric(!meta.TLSValid || meta.TLSSelfSigned)
		m.ScreenshotVolume = ratio(len(scout.ScreenshotPaths), 8)
	}

	if vision != nil {
		if vision.ScreenshotCount > 0 {
			m.ScreenshotVolume = ratio(vision.ScreenshotCount, 8)
		}
		m.VisualNoise = clampFloat(1-vision.VisualScore, 0, 1)
	}

	if len(security) > 0 {
		findings := 0
		for _, res := range security {
			findings += len(res.Findings)
		}
		m.SecurityFindings = ratio(findings, 5)
	}

	m.Composite = compositeOf(m)
	return m
}

// Composite weights: structure and network dominate because they drive how
// long the browser and graph agents actually take; dynamic content mostly
// affects vision.
func compositeOf(m ComplexityMetrics) float64 {
	structural := 0.08*m.DOMSize + 0.05*m.FormDensity + 0.07*m.ScriptDensity + 0.05*m.IframeDensity + 0.05*m.InputDensity
	network := 0.08*m.RedirectDepth + 0.08*m.ExternalDomainSpread + 0.07*m.ExternalResourceLoad + 0.07*m.TLSChainAnomaly
	dynamic := 0.10*m.ScreenshotVolume + 0.06*m.AnimationPresence + 0.06*m.CountdownPresence + 0.06*m.PopupPressure + 0.06*m.VisualNoise + 0.06*m.SecurityFindings
	return clampFloat(structural+network+dynamic, 0, 1)
}

func ratio(count, scale int) float64 {
	if scale <= 0 {
		return neutralMetric
	}
	return clampFloat(float64(count)/float64(scale), 0, 1)
}

func boolMetric(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
