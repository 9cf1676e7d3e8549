package detection

import (
	"context"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
)

// FeatureVector is the fixed, order-critical set of numeric features fed
// to the ML model. The order here must match ExtractVector.
type FeatureVector [11]float64

const (
	featHeaderCount = iota
	featContentLength
	featUAScore
	featPathLength
	featPathUniqueChars
	featMethodIsPost
	featHasCookie
	featHasReferer
	featHasAcceptLanguage
	featRateRatio
	featBehaviorScore
	numFeatures
)

// MLModelConfig tunes the isolation-forest lifecycle.
type MLModelConfig struct {
	MinTrainSamples int
	RetrainInterval time.Duration
	ModelDir        string
	Contamination   float64
	NEstimators     int
	MaxSamples      int
}

// DefaultMLModelConfig matches the original application's defaults.
func DefaultMLModelConfig() MLModelConfig {
	return MLModelConfig{
		MinTrainSamples: 500,
		RetrainInterval: 300 * time.Second,
		ModelDir:        "models",
		Contamination:   0.05,
		NEstimators:     200,
		MaxSamples:      2048,
	}
}

// MLModel is an isolation-forest anomaly detector with a warm-up → train
// → score → periodic-retrain lifecycle. Training never overlaps: trainMu
// admits one MaybeTrain pass at a time, and Engine.RunLearnLoop runs those
// passes off the request path.
type MLModel struct {
	cfg MLModelConfig
	log *zap.Logger

	trainMu sync.Mutex

	mu             sync.Mutex
	trainingBuffer []FeatureVector
	bufferCap      int

	scaler     *standardScaler
	forest     *isolationForest
	isTrained  bool
	lastTrain  time.Time
	trainCount int

	rng *rand.Rand
}

// NewMLModel creates an MLModel, attempting to load a previously persisted
// model from cfg.ModelDir. Training is seeded with a fixed random_state
// (42, the value the original application passes to
// sklearn.ensemble.IsolationForest) so that the same buffered samples always
// produce the same forest — training only runs inside MaybeTrain while
// trainMu is held, so the shared *rand.Rand is never accessed concurrently.
func NewMLModel(cfg MLModelConfig, log *zap.Logger) *MLModel {
	m := &MLModel{
		cfg:       cfg,
		log:       log,
		bufferCap: cfg.MaxSamples * 4,
		rng:       rand.New(rand.NewSource(42)),
	}
	m.load()
	return m
}

// IsReady reports whether the model has completed at least one training
// pass and can score requests.
func (m *MLModel) IsReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isTrained && m.forest != nil
}

// SampleCount returns the number of vectors currently buffered for
// training.
func (m *MLModel) SampleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.trainingBuffer)
}

// ExtractVector builds the fixed feature vector from request-level
// signals. Exported so callers (the engine) build it once and reuse it
// for both RecordSample and Score.
func ExtractVector(f RequestFeatures, method string, hasCookie, hasReferer, hasAcceptLanguage bool, rateRatio, behaviorScore float64) FeatureVector {
	uaScore := 0.0
	if f.UserAgent == "" {
		uaScore = 0.9
	} else {
		lower := strings.ToLower(f.UserAgent)
		for _, tok := range suspiciousUATokens {
			if strings.Contains(lower, tok) {
				uaScore = 0.5
				break
			}
		}
	}

	uniqueChars := make(map[rune]struct{})
	for _, r := range f.Path {
		uniqueChars[r] = struct{}{}
	}

	var v FeatureVector
	v[featHeaderCount] = float64(f.HeaderCount)
	v[featContentLength] = float64(f.ContentLength)
	v[featUAScore] = uaScore
	v[featPathLength] = float64(len(f.Path))
	v[featPathUniqueChars] = float64(len(uniqueChars))
	v[featMethodIsPost] = boolF(method == "POST")
	v[featHasCookie] = boolF(hasCookie)
	v[featHasReferer] = boolF(hasReferer)
	v[featHasAcceptLanguage] = boolF(hasAcceptLanguage)
	v[featRateRatio] = rateRatio
	v[featBehaviorScore] = behaviorScore
	return v
}

func boolF(b bool) float64 {
	if b {
		return 1.0
	}
	return 0.0
}

// RecordSample appends a vector to the training buffer.
func (m *MLModel) RecordSample(v FeatureVector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trainingBuffer = append(m.trainingBuffer, v)
	if len(m.trainingBuffer) > m.bufferCap {
		m.trainingBuffer = m.trainingBuffer[len(m.trainingBuffer)-m.bufferCap:]
	}
}

// MaybeTrain trains (if never trained and enough samples exist) or
// retrains (if the retrain interval has elapsed and at least 100 fresh
// samples are buffered). A call made while another training pass is still
// running returns false without training.
func (m *MLModel) MaybeTrain(ctx context.Context) bool {
	if !m.trainMu.TryLock() {
		return false
	}
	defer m.trainMu.Unlock()

	m.mu.Lock()
	now := time.Now()
	bufLen := len(m.trainingBuffer)
	if !m.isTrained {
		if bufLen < m.cfg.MinTrainSamples {
			m.mu.Unlock()
			return false
		}
	} else {
		if now.Sub(m.lastTrain) < m.cfg.RetrainInterval || bufLen < 100 {
			m.mu.Unlock()
			return false
		}
	}
	samples := make([]FeatureVector, bufLen)
	copy(samples, m.trainingBuffer)
	m.mu.Unlock()

	m.train(samples)
	return true
}

func (m *MLModel) train(samples []FeatureVector) {
	if len(samples) == 0 {
		return
	}
	if len(samples) > m.cfg.MaxSamples {
		samples = subsample(samples, m.cfg.MaxSamples, m.rng)
	}

	scaler := fitScaler(samples)
	scaled := make([][]float64, len(samples))
	for i, s := range samples {
		scaled[i] = scaler.transform(s)
	}

	forest := buildForest(scaled, m.cfg.NEstimators, m.cfg.MaxSamples, m.rng)

	m.mu.Lock()
	m.scaler = scaler
	m.forest = forest
	m.isTrained = true
	m.lastTrain = time.Now()
	m.trainCount++
	trainCount := m.trainCount
	m.mu.Unlock()

	if m.log != nil {
		m.log.Info("ml model trained",
			zap.Int("train_count", trainCount), zap.Int("samples", len(samples)))
	}
	m.save()
}

// Score returns 0.0 if the model isn't ready, otherwise an anomaly score
// in [0, 1] where values near 1 indicate an anomalous request.
func (m *MLModel) Score(v FeatureVector) float64 {
	m.mu.Lock()
	scaler, forest, ready := m.scaler, m.forest, m.isTrained
	m.mu.Unlock()
	if !ready || forest == nil || scaler == nil {
		return 0.0
	}
	scaled := scaler.transform(v)
	s := forest.anomalyScore(scaled)
	// Mirror sklearn's decision_function: score_samples is -s(x,n), and
	// decision_function subtracts an offset of ~-0.5 for contamination
	// "auto", giving rawScore ≈ 0.5-s (negative for anomalies, the short
	// average path lengths). The original then maps
	// normalized = 1.0 - (rawScore + 0.5), which reduces to s: short paths
	// (s→1) read as 1.0 and typical paths (s→0.5) read as 0.5.
	rawScore := 0.5 - s
	normalized := clamp01(1.0 - (rawScore + 0.5))
	return normalized
}

// MLInfo is the model's current lifecycle state, as reported by Info for
// the admin API.
type MLInfo struct {
	IsReady         bool
	TrainCount      int
	BufferSize      int
	MinTrainSamples int
	LastTrained     time.Time
	NEstimators     int
	Contamination   float64
}

func (m *MLModel) Info() MLInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MLInfo{
		IsReady:         m.isTrained && m.forest != nil,
		TrainCount:      m.trainCount,
		BufferSize:      len(m.trainingBuffer),
		MinTrainSamples: m.cfg.MinTrainSamples,
		LastTrained:     m.lastTrain,
		NEstimators:     m.cfg.NEstimators,
		Contamination:   m.cfg.Contamination,
	}
}

func (m *MLModel) modelPath() string {
	return filepath.Join(m.cfg.ModelDir, "isolation_forest.msgpack")
}

type persistedModel struct {
	Mean       []float64
	Std        []float64
	Trees      []iTree
	Psi        int
	TrainCount int
	Timestamp  int64
}

func (m *MLModel) save() {
	m.mu.Lock()
	scaler, forest, trainCount := m.scaler, m.forest, m.trainCount
	m.mu.Unlock()
	if scaler == nil || forest == nil {
		return
	}

	path := m.modelPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		m.logErr("save ml model", err)
		return
	}
	data, err := msgpack.Marshal(&persistedModel{
		Mean:       scaler.mean,
		Std:        scaler.std,
		Trees:      forest.trees,
		Psi:        forest.psi,
		TrainCount: trainCount,
		Timestamp:  time.Now().Unix(),
	})
	if err != nil {
		m.logErr("marshal ml model", err)
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		m.logErr("write ml model", err)
		return
	}
	if m.log != nil {
		m.log.Info("ml model saved", zap.String("path", path))
	}
}

func (m *MLModel) load() {
	path := m.modelPath()
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var p persistedModel
	if err := msgpack.Unmarshal(data, &p); err != nil {
		m.logErr("unmarshal persisted ml model", err)
		return
	}

	m.mu.Lock()
	m.scaler = &standardScaler{mean: p.Mean, std: p.Std}
	m.forest = &isolationForest{trees: p.Trees, psi: p.Psi}
	m.trainCount = p.TrainCount
	m.isTrained = true
	m.mu.Unlock()

	if m.log != nil {
		m.log.Info("ml model loaded", zap.String("path", path), zap.Int("train_count", p.TrainCount))
	}
}

func (m *MLModel) logErr(msg string, err error) {
	if m.log != nil {
		m.log.Warn(msg, zap.Error(err))
	}
}

// ─── Standard scaler ─────────────────────────────────────────────────────────

type standardScaler struct {
	mean []float64
	std  []float64
}

func fitScaler(samples []FeatureVector) *standardScaler {
	mean := make([]float64, numFeatures)
	std := make([]float64, numFeatures)
	col := make([]float64, len(samples))
	for f := 0; f < numFeatures; f++ {
		for i, s := range samples {
			col[i] = s[f]
		}
		mu, sigma := stat.MeanStdDev(col, nil)
		mean[f] = mu
		if sigma == 0 {
			sigma = 1.0
		}
		std[f] = sigma
	}
	return &standardScaler{mean: mean, std: std}
}

func (s *standardScaler) transform(v FeatureVector) []float64 {
	out := make([]float64, numFeatures)
	for i := range out {
		out[i] = (v[i] - s.mean[i]) / s.std[i]
	}
	return out
}

// ─── Isolation forest ────────────────────────────────────────────────────────

// iNode is a single node of an isolation tree. Leaves carry Size (the
// subsample count that reached them); internal nodes split on Feature at
// SplitValue.
type iNode struct {
	IsLeaf     bool
	Size       int
	Feature    int
	SplitValue float64
	Left       *iNode
	Right      *iNode
}

type iTree struct {
	Root   *iNode
	Height int
}

type isolationForest struct {
	trees []iTree
	psi   int // subsample size used per tree
}

func subsample(samples []FeatureVector, n int, rng *rand.Rand) []FeatureVector {
	if len(samples) <= n {
		return samples
	}
	idx := rng.Perm(len(samples))[:n]
	out := make([]FeatureVector, n)
	for i, j := range idx {
		out[i] = samples[j]
	}
	return out
}

func buildForest(scaled [][]float64, nEstimators, maxSamples int, rng *rand.Rand) *isolationForest {
	psi := len(scaled)
	if psi > maxSamples {
		psi = maxSamples
	}
	if psi < 1 {
		psi = 1
	}
	heightLimit := int(math.Ceil(math.Log2(float64(psi))))
	if heightLimit < 1 {
		heightLimit = 1
	}

	trees := make([]iTree, nEstimators)
	for t := 0; t < nEstimators; t++ {
		sub := sampleRows(scaled, psi, rng)
		root := buildNode(sub, 0, heightLimit, rng)
		trees[t] = iTree{Root: root, Height: heightLimit}
	}
	return &isolationForest{trees: trees, psi: psi}
}

func sampleRows(rows [][]float64, n int, rng *rand.Rand) [][]float64 {
	if len(rows) <= n {
		return rows
	}
	idx := rng.Perm(len(rows))[:n]
	out := make([][]float64, n)
	for i, j := range idx {
		out[i] = rows[j]
	}
	return out
}

func buildNode(rows [][]float64, depth, heightLimit int, rng *rand.Rand) *iNode {
	if depth >= heightLimit || len(rows) <= 1 {
		return &iNode{IsLeaf: true, Size: len(rows)}
	}

	numFeats := len(rows[0])
	feature := rng.Intn(numFeats)

	minV, maxV := rows[0][feature], rows[0][feature]
	for _, r := range rows {
		if r[feature] < minV {
			minV = r[feature]
		}
		if r[feature] > maxV {
			maxV = r[feature]
		}
	}
	if minV == maxV {
		return &iNode{IsLeaf: true, Size: len(rows)}
	}

	split := minV + rng.Float64()*(maxV-minV)

	var left, right [][]float64
	for _, r := range rows {
		if r[feature] < split {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &iNode{IsLeaf: true, Size: len(rows)}
	}

	return &iNode{
		IsLeaf:     false,
		Feature:    feature,
		SplitValue: split,
		Left:       buildNode(left, depth+1, heightLimit, rng),
		Right:      buildNode(right, depth+1, heightLimit, rng),
	}
}

// anomalyScore implements the standard isolation-forest statistic
// s(x, n) = 2^(-E(h(x))/c(n)): values near 1 indicate short average path
// lengths (anomalies), values near 0.5 indicate typical depth.
func (f *isolationForest) anomalyScore(x []float64) float64 {
	if len(f.trees) == 0 {
		return 0.5
	}
	var total float64
	for _, t := range f.trees {
		total += pathLength(t.Root, x, 0)
	}
	avgPath := total / float64(len(f.trees))
	c := averagePathLengthC(f.psi)
	if c == 0 {
		return 0.5
	}
	return math.Pow(2, -avgPath/c)
}

func pathLength(n *iNode, x []float64, depth int) float64 {
	if n.IsLeaf {
		return float64(depth) + averagePathLengthC(n.Size)
	}
	if x[n.Feature] < n.SplitValue {
		return pathLength(n.Left, x, depth+1)
	}
	return pathLength(n.Right, x, depth+1)
}

// averagePathLengthC is c(n), the average path length of an unsuccessful
// search in a binary search tree of n nodes.
func averagePathLengthC(n int) float64 {
	if n <= 1 {
		return 0
	}
	const eulerGamma = 0.5772156649
	h := math.Log(float64(n-1)) + eulerGamma
	return 2*h - (2 * float64(n-1) / float64(n))
}
