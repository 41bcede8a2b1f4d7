package agent

import (
	"context"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "pawmise/internal/errors"
	"pawmise/internal/keystore"
	"pawmise/internal/llm"
	"pawmise/internal/observability/alerting"
	"pawmise/internal/pet"
	"pawmise/internal/session"
	"pawmise/internal/toolkit"
	"pawmise/internal/web3"
	"pawmise/internal/web3/web3test"
)

var (
	userAddr     = common.HexToAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")
	strangerAddr = common.HexToAddress("0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359")
	petAddr      = common.HexToAddress("0x9aBd0eF6cdd3cE1e5B6E38E3F2e3f2aA7dC9A2B1")
)

func usdc(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), big.NewInt(1_000_000))
}

// scriptedLLM 按顺序返回预设的响应。
type scriptedLLM struct {
	mu        sync.Mutex
	responses []func(req llm.Request) (*llm.Response, error)
	requests  []llm.Request
}

func (s *scriptedLLM) Chat(_ context.Context, req llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.responses) == 0 {
		return nil, errors.New("no scripted response left")
	}
	next := s.responses[0]
	s.responses = s.responses[1:]
	return next(req)
}

func (s *scriptedLLM) then(fn func(req llm.Request) (*llm.Response, error)) *scriptedLLM {
	s.responses = append(s.responses, fn)
	return s
}

func (s *scriptedLLM) text(content string) *scriptedLLM {
	return s.then(func(llm.Request) (*llm.Response, error) { return &llm.Response{Content: content}, nil })
}

func (s *scriptedLLM) call(calls ...llm.ToolCall) *scriptedLLM {
	return s.then(func(llm.Request) (*llm.Response, error) { return &llm.Response{ToolCalls: calls}, nil })
}

func (s *scriptedLLM) fail(err error) *scriptedLLM {
	return s.then(func(llm.Request) (*llm.Response, error) { return nil, err })
}

func (s *scriptedLLM) Requests() []llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Request(nil), s.requests...)
}

type recordingAlerts struct {
	events []alerting.Event
}

func (r *recordingAlerts) Notify(_ context.Context, event alerting.Event) error {
	r.events = append(r.events, event)
	return nil
}

type fixture struct {
	agent    *Agent
	llm      *scriptedLLM
	pets     *pet.Service
	wallet   *web3test.Wallet
	sessions *session.MemoryStore
	toolkits *toolkit.Provisioner
	alerts   *recordingAlerts
}

func newFixture(t *testing.T, withPet bool, opts ...Option) *fixture {
	t.Helper()
	pets := pet.NewService(pet.NewMemoryStore(), keystore.NewCipher("test"))
	wallet := web3test.NewWallet(petAddr)
	provisioner := toolkit.NewProvisioner(pets, web3test.NewFactory(wallet),
		toolkit.WithGuard(toolkit.NewGuard(toolkit.GuardConfig{MaxAmount: "1000000", OwnerOnlyRecipients: true})))
	sessions := session.NewMemoryStore()
	stub := &scriptedLLM{}
	alerts := &recordingAlerts{}
	opts = append([]Option{WithAlerts(alerts)}, opts...)

	if withPet {
		_, err := pets.CreatePet(context.Background(), pet.CreatePetInput{UserAddress: userAddr.Hex(), Name: "Mochi"})
		require.NoError(t, err)
	}
	return &fixture{
		agent:    New(stub, provisioner, sessions, pets, opts...),
		llm:      stub,
		pets:     pets,
		wallet:   wallet,
		sessions: sessions,
		toolkits: provisioner,
		alerts:   alerts,
	}
}

func TestProcessMessageWithoutPetReturnsError(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.agent.ProcessMessage(context.Background(), "hello", userAddr.Hex())
	assert.True(t, xerrors.Is(err, xerrors.CodeNotFound), "got %v", err)
	assert.Empty(t, f.llm.Requests())
}

func TestProcessMessageRunsToolLoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.wallet.Fund(petAddr, web3.TokenUSDC, big.NewInt(12_500_000))
	f.llm.
		call(llm.ToolCall{ID: "c1", Name: "view_balance", Arguments: `{"formatted":true,"tokenType":"USDC"}`}).
		text("*wag* Our crystal pools hold 12.5 USDC.")

	reply, err := f.agent.ProcessMessage(ctx, "How is the realm?", userAddr.Hex())
	require.NoError(t, err)
	assert.True(t, reply.Success)
	assert.Equal(t, "*wag* Our crystal pools hold 12.5 USDC.", reply.Message)

	requests := f.llm.Requests()
	require.Len(t, requests, 2)
	assert.Contains(t, requests[0].System, userAddr.Hex())
	assert.Len(t, requests[0].Tools, 11)
	require.Len(t, requests[0].Messages, 1)
	assert.Equal(t, llm.RoleUser, requests[0].Messages[0].Role)

	toolMsg := requests[1].Messages[len(requests[1].Messages)-1]
	assert.Equal(t, llm.RoleTool, toolMsg.Role)
	assert.Equal(t, "c1", toolMsg.ToolCallID)
	assert.Equal(t, "12.5000 USDC", toolMsg.Content)

	history, err := f.agent.History(ctx, strings.ToLower(userAddr.Hex()))
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, session.Message{Role: session.RoleUser, Content: "How is the realm?"}, history[0])
	assert.Equal(t, session.RoleAssistant, history[1].Role)
}

func TestProcessMessageIncludesPriorTurns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.llm.text("first").text("second")

	_, err := f.agent.ProcessMessage(ctx, "one", userAddr.Hex())
	require.NoError(t, err)
	_, err = f.agent.ProcessMessage(ctx, "two", userAddr.Hex())
	require.NoError(t, err)

	msgs := f.llm.Requests()[1].Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, "one", msgs[0].Content)
	assert.Equal(t, llm.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "two", msgs[2].Content)
}

func TestProcessMessageToolErrorBecomesApology(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.wallet.Fund(petAddr, web3.TokenUSDC, usdc(10))
	f.llm.call(llm.ToolCall{ID: "c1", Name: "send_tokens",
		Arguments: `{"to":"` + strangerAddr.Hex() + `","amount":"5","tokenType":"USDC"}`})

	reply, err := f.agent.ProcessMessage(ctx, "send 5 to my friend", userAddr.Hex())
	require.NoError(t, err)
	assert.False(t, reply.Success)
	assert.Equal(t, ApologyMessage, reply.Message)
	assert.Empty(t, f.wallet.Calls(), "policy violations never reach the chain")

	history, err := f.agent.History(ctx, userAddr.Hex())
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, ApologyMessage, history[1].Content)
}

func TestProcessMessageInsufficientFundsBecomesApology(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	send := llm.ToolCall{ID: "c1", Name: "send_tokens",
		Arguments: `{"to":"` + userAddr.Hex() + `","amount":"5","tokenType":"USDC"}`}
	f.llm.call(send).call(send)

	reply, err := f.agent.ProcessMessage(ctx, "send 5 USDC back to me", userAddr.Hex())
	require.NoError(t, err)
	assert.False(t, reply.Success)
	assert.Equal(t, ApologyMessage, reply.Message)
	assert.Empty(t, f.wallet.Calls())

	_, err = f.agent.Instruct(ctx, userAddr.Hex(), "send 5 USDC back to the owner", 3)
	assert.True(t, xerrors.Is(err, xerrors.CodeInsufficientFunds), "empty wallet must be reported as insufficient funds, got %v", err)
}

func TestProcessMessageHistoryAlternatesRoles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.llm.text("*wag* hello").text("*purr* still here")

	_, err := f.agent.ProcessMessage(ctx, "hello", userAddr.Hex())
	require.NoError(t, err)
	_, err = f.agent.ProcessMessage(ctx, "are you there?", userAddr.Hex())
	require.NoError(t, err)

	history, err := f.agent.History(ctx, userAddr.Hex())
	require.NoError(t, err)
	assert.Equal(t, []session.Message{
		{Role: session.RoleUser, Content: "hello"},
		{Role: session.RoleAssistant, Content: "*wag* hello"},
		{Role: session.RoleUser, Content: "are you there?"},
		{Role: session.RoleAssistant, Content: "*purr* still here"},
	}, history)
}

func TestOwnerExitCapOnlyAppliesToEmergencyFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.wallet.Fund(petAddr, web3.TokenUSDC, usdc(2_000_000))
	f.llm.call(llm.ToolCall{ID: "c1", Name: "send_tokens",
		Arguments: `{"to":"` + userAddr.Hex() + `","amount":"2000000","tokenType":"USDC"}`})

	_, err := f.agent.Instruct(ctx, userAddr.Hex(), "send everything home", 3)
	assert.True(t, xerrors.Is(err, xerrors.CodePolicyViolation), "chat transfers stay capped, got %v", err)
	assert.Empty(t, f.wallet.Calls())
}

func TestProcessMessageGenerationErrorBecomesApology(t *testing.T) {
	f := newFixture(t, true)
	f.llm.fail(errors.New("upstream 500"))

	reply, err := f.agent.ProcessMessage(context.Background(), "hi", userAddr.Hex())
	require.NoError(t, err)
	assert.False(t, reply.Success)
	assert.Equal(t, ApologyMessage, reply.Message)
}

func TestToolLoopStepBudget(t *testing.T) {
	f := newFixture(t, true, WithMaxSteps(2))
	view := llm.ToolCall{Name: "view_balance", Arguments: `{}`}
	f.llm.
		call(withID(view, "a"), withID(view, "b"), withID(view, "c")).
		then(func(req llm.Request) (*llm.Response, error) {
			if len(req.Tools) != 0 {
				return nil, errors.New("tools must be withheld once the budget is spent")
			}
			return &llm.Response{Content: "done"}, nil
		})

	result, err := f.agent.Instruct(context.Background(), userAddr.Hex(), "check everything", 0)
	require.NoError(t, err)
	assert.Equal(t, "done", result.Text)
	assert.Equal(t, 2, result.Steps)
	assert.Len(t, result.Invocations, 2)

	last := f.llm.Requests()[1].Messages
	assert.Equal(t, budgetExhaustedMessage, last[len(last)-1].Content)
	assert.Equal(t, "c", last[len(last)-1].ToolCallID)
}

func withID(call llm.ToolCall, id string) llm.ToolCall {
	call.ID = id
	return call
}

func TestInstructDoesNotTouchHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.llm.text("ok")

	result, err := f.agent.Instruct(ctx, userAddr.Hex(), "say ok", 3)
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Text)
	assert.Zero(t, f.sessions.Len())

	_, err = f.agent.Instruct(ctx, userAddr.Hex(), "  ", 3)
	assert.True(t, xerrors.Is(err, xerrors.CodeInvalidArgument))
}

func TestLLMTimeout(t *testing.T) {
	f := newFixture(t, true, WithLLMTimeout(10*time.Millisecond))
	f.llm.then(func(llm.Request) (*llm.Response, error) {
		time.Sleep(50 * time.Millisecond)
		return nil, context.DeadlineExceeded
	})

	_, err := f.agent.Instruct(context.Background(), userAddr.Hex(), "slow", 1)
	assert.True(t, xerrors.Is(err, xerrors.CodeTimeout), "got %v", err)
}

func TestClearHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.llm.text("hello")

	assert.False(t, f.agent.ClearHistory(ctx, userAddr.Hex()))
	_, err := f.agent.ProcessMessage(ctx, "hi", userAddr.Hex())
	require.NoError(t, err)
	assert.True(t, f.agent.ClearHistory(ctx, userAddr.Hex()))

	history, err := f.agent.History(ctx, userAddr.Hex())
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestPromptRender(t *testing.T) {
	text, err := NewPrompt(DefaultPolicy()).Render(userAddr.Hex())
	require.NoError(t, err)
	assert.Contains(t, text, "The default send address is "+userAddr.Hex())
	assert.Contains(t, text, "at most 25 words")
	assert.Contains(t, text, `"APY" becomes "hidden spring's flow"`)
	assert.Contains(t, text, "Withdraw > 40%")

	_, err = ParsePrompt("{{.Missing", DefaultPolicy())
	assert.Error(t, err)
}

func TestLoadPromptFromFile(t *testing.T) {
	builtin, err := LoadPrompt("", DefaultPolicy())
	require.NoError(t, err)
	text, err := builtin.Render(userAddr.Hex())
	require.NoError(t, err)
	assert.Contains(t, text, "Pawmise")

	dir := t.TempDir()
	custom := filepath.Join(dir, "prompt.tmpl")
	require.NoError(t, os.WriteFile(custom, []byte("Guard {{.UserAddress}} in {{.MaxWords}} words."), 0o600))
	prompt, err := LoadPrompt(custom, DefaultPolicy())
	require.NoError(t, err)
	text, err = prompt.Render(userAddr.Hex())
	require.NoError(t, err)
	assert.Equal(t, "Guard "+userAddr.Hex()+" in 25 words.", text)

	broken := filepath.Join(dir, "broken.tmpl")
	require.NoError(t, os.WriteFile(broken, []byte("{{.NoSuchField}}"), 0o600))
	_, err = LoadPrompt(broken, DefaultPolicy())
	assert.Error(t, err, "unknown fields must fail at load time")

	_, err = LoadPrompt(filepath.Join(dir, "missing.tmpl"), DefaultPolicy())
	assert.Error(t, err)
}

func TestCustomPromptReachesModel(t *testing.T) {
	prompt, err := ParsePrompt("Custom guardian for {{.UserAddress}}.", DefaultPolicy())
	require.NoError(t, err)
	f := newFixture(t, true, WithPrompt(prompt))
	f.llm.text("ok")

	_, err = f.agent.ProcessMessage(context.Background(), "hi", userAddr.Hex())
	require.NoError(t, err)
	assert.Equal(t, "Custom guardian for "+userAddr.Hex()+".", f.llm.Requests()[0].System)
}
