package e2e_test

import (
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/KoheiYamashita/agent-sdk-chat-sub001/citest/testutil"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/pkg/client"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/pkg/types"
)

const eventTimeout = 5 * time.Second

type approvalRequest struct {
	RequestID   string `json:"requestId"`
	ToolName    string `json:"toolName"`
	IsDangerous bool   `json:"isDangerous"`
}

type approvalResolved struct {
	RequestID string `json:"requestId"`
	Decision  string `json:"decision"`
}

type doneData struct {
	SessionID   string       `json:"sessionId"`
	Result      string       `json:"result"`
	Usage       *types.Usage `json:"usage"`
	CostUSD     float64      `json:"costUsd"`
	Interrupted bool         `json:"interrupted"`
}

type initData struct {
	SessionID string `json:"sessionId"`
}

func waitForApproval(stream *testutil.ChatStream) approvalRequest {
	GinkgoHelper()
	evt, err := stream.WaitFor("tool_approval_request", eventTimeout)
	Expect(err).NotTo(HaveOccurred())
	var req approvalRequest
	Expect(evt.Decode(&req)).To(Succeed())
	Expect(req.RequestID).NotTo(BeEmpty())
	return req
}

func expectStatus(err error, status int) {
	GinkgoHelper()
	var apiErr *client.APIError
	Expect(err).To(BeAssignableToTypeOf(apiErr))
	apiErr = err.(*client.APIError)
	Expect(apiErr.StatusCode).To(Equal(status))
}

var _ = Describe("Tool approval", func() {
	Describe("allowing a tool call", func() {
		It("resumes the turn and persists the answer", func() {
			stream := testutil.StartChat(ctx, api, client.ChatRequest{Message: "please list files"})

			req := waitForApproval(stream)
			Expect(req.ToolName).To(Equal("Bash"))
			Expect(req.IsDangerous).To(BeFalse())

			Expect(api.Approve(ctx, req.RequestID, "allow")).To(Succeed())

			events, err := stream.Wait(eventTimeout)
			Expect(err).NotTo(HaveOccurred())
			Expect(testutil.Types(events)).To(ContainElements(
				"init", "tool_approval_request", "tool_approval_resolved", "done", "end"))
			Expect(testutil.Types(events)[len(events)-1]).To(Equal("end"))

			resolvedEvt, ok := testutil.Find(events, "tool_approval_resolved")
			Expect(ok).To(BeTrue())
			var resolved approvalResolved
			Expect(resolvedEvt.Decode(&resolved)).To(Succeed())
			Expect(resolved).To(Equal(approvalResolved{RequestID: req.RequestID, Decision: "allow"}))

			doneEvt, ok := testutil.Find(events, "done")
			Expect(ok).To(BeTrue())
			var done doneData
			Expect(doneEvt.Decode(&done)).To(Succeed())
			Expect(done.Result).To(Equal("Let me check. There are 3 files."))
			Expect(done.Usage).NotTo(BeNil())
			Expect(done.Usage.InputTokens).To(Equal(120))
			Expect(done.Usage.OutputTokens).To(Equal(30))

			messages, err := api.Messages(ctx, done.SessionID)
			Expect(err).NotTo(HaveOccurred())
			Expect(messages).To(HaveLen(2))
			Expect(messages[0].Role).To(Equal(types.RoleUser))
			Expect(messages[1].Role).To(Equal(types.RoleAssistant))
			Expect(messages[1].Content).To(Equal("Let me check. There are 3 files."))

			session, err := api.Session(ctx, done.SessionID)
			Expect(err).NotTo(HaveOccurred())
			Expect(session.Title).To(Equal("please list files"))
		})
	})

	Describe("an unanswered approval", func() {
		BeforeEach(func() {
			previous := testServer.App.Approvals.Timeout()
			testServer.App.Approvals.SetTimeout(300 * time.Millisecond)
			DeferCleanup(func() { testServer.App.Approvals.SetTimeout(previous) })
		})

		It("is denied after the timeout and the turn completes", func() {
			stream := testutil.StartChat(ctx, api, client.ChatRequest{Message: "list files"})
			req := waitForApproval(stream)

			events, err := stream.Wait(eventTimeout)
			Expect(err).NotTo(HaveOccurred())

			resolvedEvt, ok := testutil.Find(events, "tool_approval_resolved")
			Expect(ok).To(BeTrue())
			var resolved approvalResolved
			Expect(resolvedEvt.Decode(&resolved)).To(Succeed())
			Expect(resolved).To(Equal(approvalResolved{RequestID: req.RequestID, Decision: "deny"}))

			doneEvt, ok := testutil.Find(events, "done")
			Expect(ok).To(BeTrue())
			var done doneData
			Expect(doneEvt.Decode(&done)).To(Succeed())
			Expect(done.Result).To(Equal("Let me check. I was not allowed to list the files."))

			err = api.Approve(ctx, req.RequestID, "allow")
			expectStatus(err, http.StatusNotFound)
		})
	})

	Describe("aborting a session", func() {
		It("interrupts the pending approval and the running turn", func() {
			stream := testutil.StartChat(ctx, api, client.ChatRequest{Message: "slow task"})

			initEvt, err := stream.WaitFor("init", eventTimeout)
			Expect(err).NotTo(HaveOccurred())
			var init initData
			Expect(initEvt.Decode(&init)).To(Succeed())

			req := waitForApproval(stream)

			active, err := api.Active(ctx, init.SessionID)
			Expect(err).NotTo(HaveOccurred())
			Expect(active.Sessions).To(ContainElement(init.SessionID))
			Expect(active.PendingApprovals).To(HaveLen(1))

			result, err := api.Abort(ctx, init.SessionID)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Success).To(BeTrue())
			Expect(result.InterruptedApprovalIDs).To(Equal([]string{req.RequestID}))
			Expect(result.QueryInterrupted).To(BeTrue())

			events, err := stream.Wait(eventTimeout)
			Expect(err).NotTo(HaveOccurred())

			resolvedEvt, ok := testutil.Find(events, "tool_approval_resolved")
			Expect(ok).To(BeTrue())
			var resolved approvalResolved
			Expect(resolvedEvt.Decode(&resolved)).To(Succeed())
			Expect(resolved.Decision).To(Equal("interrupt"))

			doneEvt, ok := testutil.Find(events, "done")
			Expect(ok).To(BeTrue())
			var done doneData
			Expect(doneEvt.Decode(&done)).To(Succeed())
			Expect(done.Interrupted).To(BeTrue())

			_, err = api.Abort(ctx, init.SessionID)
			expectStatus(err, http.StatusNotFound)

			active, err = api.Active(ctx, init.SessionID)
			Expect(err).NotTo(HaveOccurred())
			Expect(active.Sessions).NotTo(ContainElement(init.SessionID))
			Expect(active.PendingApprovals).To(BeEmpty())
		})
	})

	Describe("answering twice", func() {
		It("accepts the first decision only", func() {
			stream := testutil.StartChat(ctx, api, client.ChatRequest{Message: "list files"})
			req := waitForApproval(stream)

			Expect(api.Approve(ctx, req.RequestID, "deny")).To(Succeed())
			err := api.Approve(ctx, req.RequestID, "allow")
			expectStatus(err, http.StatusNotFound)

			events, err := stream.Wait(eventTimeout)
			Expect(err).NotTo(HaveOccurred())
			doneEvt, ok := testutil.Find(events, "done")
			Expect(ok).To(BeTrue())
			var done doneData
			Expect(doneEvt.Decode(&done)).To(Succeed())
			Expect(done.Result).To(Equal("Let me check. I was not allowed to list the files."))
		})
	})

	Describe("always allowing a tool", func() {
		It("skips the second approval of the turn", func() {
			stream := testutil.StartChat(ctx, api, client.ChatRequest{Message: "two tools"})
			req := waitForApproval(stream)
			Expect(req.ToolName).To(Equal("Read"))

			Expect(api.Approve(ctx, req.RequestID, "always")).To(Succeed())

			events, err := stream.Wait(eventTimeout)
			Expect(err).NotTo(HaveOccurred())
			count := 0
			for _, t := range testutil.Types(events) {
				if t == "tool_approval_request" {
					count++
				}
			}
			Expect(count).To(Equal(1))
			Expect(testutil.Types(events)).To(ContainElement("done"))
		})
	})

	Describe("request validation", func() {
		It("rejects decisions a client may not send", func() {
			err := api.Approve(ctx, "whatever", "interrupt")
			expectStatus(err, http.StatusBadRequest)
		})

		It("reports unknown approval requests", func() {
			err := api.Approve(ctx, "does-not-exist", "allow")
			expectStatus(err, http.StatusNotFound)
		})

		It("rejects an abort without a session", func() {
			_, err := api.Abort(ctx, "")
			expectStatus(err, http.StatusBadRequest)
		})
	})
})
