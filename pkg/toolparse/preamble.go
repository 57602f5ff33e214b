package toolparse

// Instructions is the system-preamble block a non-native provider's
// conversation must include so the model knows the tagged-call convention.
// Native function-calling providers never include this.
const Instructions = `When you need to call a tool, emit a block of this exact form and nothing else around it:
<tool_use>{"tool":"<name>","parameters":{...}}</tool_use>
You may emit more than one such block in a single reply. Do not wrap it in markdown code fences.`
